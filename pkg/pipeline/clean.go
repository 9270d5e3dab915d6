package pipeline

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/ngld/assetsys/pkg/buildlog"
	"github.com/ngld/assetsys/pkg/posix"
)

// Clean removes everything below Dir but keeps Dir itself.
type Clean struct {
	Dir string
}

func (c *Clean) Describe() string {
	return "clean " + c.Dir
}

// Run deletes every entry below the directory. A missing directory is not an error.
func (c *Clean) Run(ctx context.Context) error {
	entries, err := ioutil.ReadDir(c.Dir)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			buildlog.Log(ctx).Debug().Msgf("%s doesn't exist, nothing to clean", c.Dir)
			return nil
		}
		return eris.Wrapf(ErrFileSystem, "failed to list %s: %v", c.Dir, err)
	}

	items := make([]string, len(entries))
	for idx, entry := range entries {
		items[idx] = filepath.Join(c.Dir, entry.Name())
	}

	err = posix.Remove(items, true, true)
	if err != nil {
		return eris.Wrapf(ErrFileSystem, "failed to clean %s: %v", c.Dir, err)
	}

	buildlog.Log(ctx).Info().Msgf("removed %d entries from %s", len(items), c.Dir)
	return nil
}
