// Package watcher re-runs tasks when files matching their watch bindings change.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"

	"github.com/ngld/assetsys/pkg/buildlog"
	"github.com/ngld/assetsys/pkg/pipeline"
)

// DefaultDebounce is used if Watcher.Debounce is zero
const DefaultDebounce = 300 * time.Millisecond

// Binding ties a set of files to the task that has to run when one of them changes
type Binding struct {
	Spec pipeline.PathSpec
	Task string
}

// Matches reports whether path lies below the binding's base and matches its pattern
func (b Binding) Matches(path string) bool {
	rel, err := filepath.Rel(b.Spec.Base, path)
	if err != nil {
		return false
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}

	ok, err := doublestar.Match(b.Spec.Pattern, rel)
	return err == nil && ok
}

// RunFunc runs the named task
type RunFunc func(ctx context.Context, task string) error

// Watcher observes the bindings' files and runs the bound task after changes settled down. Runs of the same
// binding never overlap; triggers arriving during a run are coalesced into a single follow-up run.
type Watcher struct {
	Bindings []Binding
	Debounce time.Duration
	Run      RunFunc
	// Notify is called after every successful run
	Notify func(task string)
	// Source defaults to an fsnotify based source
	Source EventSource
}

type binding struct {
	Binding
	timer   *time.Timer
	trigger chan struct{}
}

func (b *binding) fire() {
	select {
	case b.trigger <- struct{}{}:
	default:
		// a run is already pending
	}
}

// Watch blocks until ctx is cancelled and waits for in-flight runs before returning.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.Run == nil {
		return eris.New("watcher has no run function")
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	source := w.Source
	if source == nil {
		var err error
		source, err = NewFSSource()
		if err != nil {
			return err
		}
	}
	defer source.Close()

	bindings := make([]*binding, len(w.Bindings))
	watched := make(map[string]bool)
	for idx, b := range w.Bindings {
		base, err := filepath.Abs(b.Spec.Base)
		if err != nil {
			return eris.Wrapf(err, "failed to resolve %s", b.Spec.Base)
		}
		b.Spec.Base = base

		bindings[idx] = &binding{
			Binding: b,
			trigger: make(chan struct{}, 1),
		}

		dir, err := nearestExisting(base)
		if err != nil {
			return err
		}
		if watched[dir] {
			continue
		}
		watched[dir] = true

		if dir != base {
			buildlog.Log(ctx).Debug().Str("path", base).Str("parent", dir).Msg("Watching parent of missing directory")
		}

		if err := source.Add(dir); err != nil {
			return eris.Wrapf(err, "failed to watch %s", dir)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	for _, b := range bindings {
		wg.Add(1)
		go func(b *binding) {
			defer wg.Done()
			w.worker(workerCtx, b)
		}(b)
	}

	stop := func() {
		for _, b := range bindings {
			if b.timer != nil {
				b.timer.Stop()
			}
		}
		cancel()
		wg.Wait()
	}

	buildlog.Log(ctx).Info().Int("bindings", len(bindings)).Msg("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case path, ok := <-source.Events():
			if !ok {
				stop()
				return eris.New("file watcher stopped unexpectedly")
			}

			for _, b := range bindings {
				if !b.Matches(path) {
					continue
				}

				buildlog.Log(ctx).Debug().Str("path", path).Str("task", b.Task).Msg("Change detected")
				if b.timer == nil {
					b.timer = time.AfterFunc(debounce, b.fire)
				} else {
					b.timer.Reset(debounce)
				}
			}
		case err := <-source.Errors():
			buildlog.Log(ctx).Warn().Err(err).Msg("File watcher reported an error")
		}
	}
}

// nearestExisting returns dir or, if it doesn't exist yet, its closest existing ancestor.
func nearestExisting(dir string) (string, error) {
	for {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !os.IsNotExist(err) {
			return "", eris.Wrapf(err, "failed to check %s", dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", eris.Errorf("no existing parent for %s", dir)
		}
		dir = parent
	}
}

func (w *Watcher) worker(ctx context.Context, b *binding) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.trigger:
			if ctx.Err() != nil {
				return
			}

			taskCtx := buildlog.ForTask(ctx, b.Task)
			start := time.Now()
			err := w.Run(taskCtx, b.Task)
			if err != nil {
				if ctx.Err() == nil {
					buildlog.Log(taskCtx).Error().Err(err).Msg("Rebuild failed")
				}
				continue
			}

			buildlog.Log(taskCtx).Info().Dur("took", time.Since(start)).Msg("Rebuilt")
			if w.Notify != nil {
				w.Notify(b.Task)
			}
		}
	}
}
