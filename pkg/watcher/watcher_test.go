package watcher

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ngld/assetsys/pkg/pipeline"
)

type fakeSource struct {
	events chan string
	errors chan error
	lock   sync.Mutex
	added  []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan string),
		errors: make(chan error),
	}
}

func (s *fakeSource) Add(dir string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.added = append(s.added, dir)
	return nil
}

func (s *fakeSource) Events() <-chan string { return s.events }
func (s *fakeSource) Errors() <-chan error  { return s.errors }
func (s *fakeSource) Close() error          { return nil }

type counter struct {
	lock    sync.Mutex
	runs    map[string]int
	active  int32
	overlap int32
}

func (c *counter) run(ctx context.Context, task string) error {
	if atomic.AddInt32(&c.active, 1) > 1 {
		atomic.StoreInt32(&c.overlap, 1)
	}
	defer atomic.AddInt32(&c.active, -1)

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.runs == nil {
		c.runs = make(map[string]int)
	}
	c.runs[task]++
	return nil
}

func (c *counter) get(task string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.runs[task]
}

// starts w in the background and returns a function which stops it and waits for Watch to return
func start(t *testing.T, w *Watcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx)
	}()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Watch returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Watch didn't return after cancellation")
		}
	}
}

func newBinding(base, pattern, task string) Binding {
	return Binding{Spec: pipeline.PathSpec{Base: base, Pattern: pattern}, Task: task}
}

func TestBindingMatches(t *testing.T) {
	b := newBinding("/project/src/scss", "**/*.scss", "css")

	tests := map[string]bool{
		"/project/src/scss/main.scss":          true,
		"/project/src/scss/parts/_nav.scss":    true,
		"/project/src/scss/main.css":           false,
		"/project/src/js/main.scss":            false,
		"/project/src/scss":                    false,
		"/project/src/scss-old/main.scss":      false,
		"/project/src/scss/../other/main.scss": false,
	}

	for path, want := range tests {
		if got := b.Matches(filepath.FromSlash(path)); got != want {
			t.Errorf("Matches(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	src := newFakeSource()
	c := &counter{}
	var notified int32

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding("/project/src", "**/*.scss", "css")},
		Debounce: 300 * time.Millisecond,
		Run:      c.run,
		Notify:   func(string) { atomic.AddInt32(&notified, 1) },
		Source:   src,
	})

	for i := 0; i < 5; i++ {
		src.events <- "/project/src/main.scss"
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(700 * time.Millisecond)
	stop()

	if n := c.get("css"); n != 1 {
		t.Errorf("css ran %d times, want 1", n)
	}
	if atomic.LoadInt32(&notified) != 1 {
		t.Errorf("reload was sent %d times, want 1", notified)
	}
}

func TestUnmatchedEventsAreIgnored(t *testing.T) {
	src := newFakeSource()
	c := &counter{}

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding("/project/src", "**/*.scss", "css")},
		Debounce: 20 * time.Millisecond,
		Run:      c.run,
		Source:   src,
	})

	src.events <- "/project/src/main.js"
	src.events <- "/project/other/main.scss"
	time.Sleep(200 * time.Millisecond)
	stop()

	if n := c.get("css"); n != 0 {
		t.Errorf("css ran %d times for unrelated changes", n)
	}
}

func TestEveryMatchingBindingRuns(t *testing.T) {
	src := newFakeSource()
	c := &counter{}

	stop := start(t, &Watcher{
		Bindings: []Binding{
			newBinding("/project/src", "**/*", "copy"),
			newBinding("/project/src", "**/*.js", "js"),
			newBinding("/project/src", "**/*.css", "css"),
		},
		Debounce: 50 * time.Millisecond,
		Run:      c.run,
		Source:   src,
	})

	src.events <- "/project/src/app.js"
	time.Sleep(400 * time.Millisecond)
	stop()

	if c.get("copy") != 1 || c.get("js") != 1 {
		t.Errorf("expected copy and js to run once: %v", c.runs)
	}
	if c.get("css") != 0 {
		t.Errorf("css should not run")
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var runs, active, overlap int32

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding("/project/src", "**/*", "build")},
		Debounce: 20 * time.Millisecond,
		Run: func(ctx context.Context, task string) error {
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			defer atomic.AddInt32(&active, -1)

			if atomic.AddInt32(&runs, 1) == 1 {
				started <- struct{}{}
				<-release
			}
			return nil
		},
		Source: src,
	})

	src.events <- "/project/src/a.txt"
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run didn't start")
	}

	// every debounce window elapses while the first run is still busy
	for i := 0; i < 3; i++ {
		src.events <- "/project/src/b.txt"
		time.Sleep(100 * time.Millisecond)
	}

	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Fatalf("follow-up run started before the first one finished (%d runs)", n)
	}

	close(release)
	time.Sleep(300 * time.Millisecond)
	stop()

	if n := atomic.LoadInt32(&runs); n != 2 {
		t.Errorf("expected exactly one follow-up run, got %d runs in total", n)
	}
	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("runs overlapped")
	}
}

func TestFailedRunsDontNotify(t *testing.T) {
	src := newFakeSource()
	var runs, notified int32

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding("/project/src", "**/*", "build")},
		Debounce: 20 * time.Millisecond,
		Run: func(ctx context.Context, task string) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				return eris.New("broken")
			}
			return nil
		},
		Notify: func(string) { atomic.AddInt32(&notified, 1) },
		Source: src,
	})

	src.events <- "/project/src/a.txt"
	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&notified) != 0 {
		t.Error("failed runs must not trigger a reload")
	}

	// the watcher survives the failure
	src.events <- "/project/src/a.txt"
	time.Sleep(200 * time.Millisecond)
	stop()

	if atomic.LoadInt32(&runs) != 2 || atomic.LoadInt32(&notified) != 1 {
		t.Errorf("runs = %d, notified = %d", runs, notified)
	}
}

func TestFSSourceWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	c := &counter{}

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding(root, "**/*.scss", "css")},
		Debounce: 50 * time.Millisecond,
		Run:      c.run,
	})
	defer stop()

	// give the watcher time to register the root
	time.Sleep(200 * time.Millisecond)

	nested := filepath.Join(root, "parts", "nav")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(nested, "_nav.scss"), []byte("nav {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.get("css") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if c.get("css") == 0 {
		t.Error("change in a new directory wasn't picked up")
	}
}

func TestClosedSourceStopsWatch(t *testing.T) {
	src := newFakeSource()
	done := make(chan error, 1)
	go func() {
		done <- (&Watcher{
			Bindings: []Binding{newBinding("/project/src", "**/*", "build")},
			Run:      (&counter{}).run,
			Source:   src,
		}).Watch(context.Background())
	}()

	close(src.events)
	select {
	case err := <-done:
		if err == nil {
			t.Error("a dead event source should be reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch kept running after its source closed")
	}
}

func TestMissingBaseWatchesParent(t *testing.T) {
	root := t.TempDir()
	src := newFakeSource()

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding(filepath.Join(root, "src", "scss"), "**/*.scss", "css")},
		Run:      (&counter{}).run,
		Source:   src,
	})
	// an event round trip guarantees that Add was called
	src.events <- filepath.Join(root, "unrelated.txt")
	stop()

	src.lock.Lock()
	defer src.lock.Unlock()
	if len(src.added) != 1 || src.added[0] != root {
		t.Errorf("expected %s to be watched, got %v", root, src.added)
	}
}

func TestFSSourceWatchesBasesCreatedLater(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "src", "scss")
	c := &counter{}

	stop := start(t, &Watcher{
		Bindings: []Binding{newBinding(base, "**/*.scss", "css")},
		Debounce: 50 * time.Millisecond,
		Run:      c.run,
	})
	defer stop()

	time.Sleep(200 * time.Millisecond)

	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(base, "main.scss"), []byte("a {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.get("css") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if c.get("css") == 0 {
		t.Error("files in a directory created after startup weren't picked up")
	}
}

func TestFSSourceCloseEndsEvents(t *testing.T) {
	src, err := NewFSSource()
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-src.Events():
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Error("Events() wasn't closed")
	}
}
