package watcher

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
)

// EventSource delivers the paths of changed files. Directories passed to Add are watched recursively.
type EventSource interface {
	Add(dir string) error
	Events() <-chan string
	Errors() <-chan error
	Close() error
}

type fsSource struct {
	watcher *fsnotify.Watcher
	events  chan string
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFSSource returns an EventSource backed by fsnotify. Directories created below a watched directory are
// added automatically.
func NewFSSource() (EventSource, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create file watcher")
	}

	s := &fsSource{
		watcher: fsw,
		events:  make(chan string, 128),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *fsSource) Add(dir string) error {
	return s.addRecursive(dir, false)
}

// addRecursive watches dir and every directory below it. If announce is set, files already present are
// reported as events since they may have been written before the watch was in place.
func (s *fsSource) addRecursive(dir string, announce bool) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// vanished while walking
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if info.IsDir() {
			if err := s.watcher.Add(path); err != nil {
				return eris.Wrapf(err, "failed to watch %s", path)
			}
		} else if announce {
			s.emit(path)
		}
		return nil
	})
}

func (s *fsSource) emit(path string) {
	select {
	case s.events <- path:
	case <-s.done:
	}
}

// loop owns s.events and closes it when fsnotify shuts down or Close is called.
func (s *fsSource) loop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if err := s.addRecursive(event.Name, true); err != nil {
						s.report(err)
					}
					continue
				}
			}

			s.emit(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.report(err)
		}
	}
}

func (s *fsSource) report(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func (s *fsSource) Events() <-chan string {
	return s.events
}

func (s *fsSource) Errors() <-chan error {
	return s.errors
}

func (s *fsSource) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}
