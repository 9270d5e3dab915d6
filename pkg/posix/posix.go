// Package posix contains cross-platform implementations of the few POSIX file commands task scripts rely on.
package posix

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
)

func expandItems(items []string, force bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return items, nil
	}

	// cmd.exe doesn't expand globs for us
	result := []string{}
	for _, arg := range items {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if force {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		result = append(result, matches...)
	}

	return result, nil
}

// Remove deletes the given items. Directories are only removed if recursive is set and missing items
// are ignored if force is set.
func Remove(items []string, recursive, force bool) error {
	items, err := expandItems(items, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// Mkdir creates the given directories
func Mkdir(items []string, parents bool) error {
	for _, item := range items {
		var err error
		if parents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

// Move moves all items into dest. If more than one item is passed, dest has to be a directory.
func Move(items []string, dest string) error {
	if len(items) < 1 {
		return eris.New("Not enough parameters")
	}

	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	if err == nil {
		destIsDir = info.IsDir()
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	items, err = expandItems(items, false)
	if err != nil {
		return err
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}
