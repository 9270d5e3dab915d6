package assetsys

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
)

var errBroken = eris.New("broken")

type fakeAction struct {
	name  string
	err   error
	delay time.Duration
	runs  int32
	done  int32
	log   *callLog
}

type callLog struct {
	lock  sync.Mutex
	order []string
}

func (l *callLog) add(name string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.order = append(l.order, name)
}

func (a *fakeAction) Run(ctx context.Context) error {
	atomic.AddInt32(&a.runs, 1)
	if a.log != nil {
		a.log.add(a.name)
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	atomic.StoreInt32(&a.done, 1)
	return a.err
}

func (a *fakeAction) Describe() string {
	return "fake " + a.name
}

func leaf(name string, action Action) *Task {
	return &Task{Short: name, Kind: KindLeaf, Action: action}
}

func refs(tasks ...*Task) []TaskRef {
	result := make([]TaskRef, len(tasks))
	for idx, task := range tasks {
		result[idx] = TaskRef{Task: task}
	}
	return result
}

func TestSeriesRunsInOrder(t *testing.T) {
	log := &callLog{}
	a := &fakeAction{name: "a", log: log}
	b := &fakeAction{name: "b", log: log}
	c := &fakeAction{name: "c", log: log}

	root := &Task{Short: "root", Kind: KindSeries, Children: refs(leaf("a", a), leaf("b", b), leaf("c", c))}
	if err := (&Runner{}).RunTask(context.Background(), root); err != nil {
		t.Fatalf("series failed: %v", err)
	}

	if len(log.order) != 3 || log.order[0] != "a" || log.order[1] != "b" || log.order[2] != "c" {
		t.Errorf("unexpected order %v", log.order)
	}
}

func TestSeriesIsFailFast(t *testing.T) {
	a := &fakeAction{name: "a"}
	b := &fakeAction{name: "b", err: errBroken}
	c := &fakeAction{name: "c"}

	root := &Task{Short: "root", Kind: KindSeries, Children: refs(leaf("a", a), leaf("b", b), leaf("c", c))}
	err := (&Runner{}).RunTask(context.Background(), root)
	if !eris.Is(err, errBroken) {
		t.Fatalf("expected the child's error, got %v", err)
	}

	if a.runs != 1 || b.runs != 1 {
		t.Errorf("a and b should have run once: %d, %d", a.runs, b.runs)
	}
	if c.runs != 0 {
		t.Errorf("c must be skipped after b failed")
	}
}

func TestParallelWaitsForAllChildren(t *testing.T) {
	failing := &fakeAction{name: "failing", err: errBroken}
	slow := &fakeAction{name: "slow", delay: 50 * time.Millisecond}

	root := &Task{Short: "root", Kind: KindParallel, Children: refs(leaf("failing", failing), leaf("slow", slow))}
	err := (&Runner{}).RunTask(context.Background(), root)
	if err == nil {
		t.Fatal("parallel should fail if one child fails")
	}

	if atomic.LoadInt32(&slow.done) != 1 {
		t.Errorf("parallel returned before the slow sibling finished")
	}

	errs := multierr.Errors(err)
	if len(errs) != 1 || !eris.Is(errs[0], errBroken) {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestParallelCollectsEveryError(t *testing.T) {
	errOther := eris.New("other")
	root := &Task{Short: "root", Kind: KindParallel, Children: refs(
		leaf("a", &fakeAction{name: "a", err: errBroken}),
		leaf("b", &fakeAction{name: "b"}),
		leaf("c", &fakeAction{name: "c", err: errOther}),
	)}

	err := (&Runner{}).RunTask(context.Background(), root)
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("expected two errors, got %v", errs)
	}
	if !eris.Is(errs[0], errBroken) || !eris.Is(errs[1], errOther) {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestZeroChildren(t *testing.T) {
	for _, kind := range []Kind{KindSeries, KindParallel, KindLeaf} {
		if err := (&Runner{}).RunTask(context.Background(), &Task{Short: "empty", Kind: kind}); err != nil {
			t.Errorf("empty %s failed: %v", kind, err)
		}
	}
}

func TestDryRunSkipsActions(t *testing.T) {
	action := &fakeAction{name: "a"}
	root := &Task{Short: "root", Kind: KindSeries, Children: refs(leaf("a", action))}

	if err := (&Runner{DryRun: true}).RunTask(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if action.runs != 0 {
		t.Errorf("dry runs must not execute actions")
	}
}

func TestProgressAndLeafCount(t *testing.T) {
	tasks := TaskList{
		"a": leaf("a", &fakeAction{name: "a"}),
		"b": leaf("b", &fakeAction{name: "b"}),
		"c": leaf("c", &fakeAction{name: "c"}),
	}
	tasks["inner"] = &Task{Short: "inner", Kind: KindParallel, Children: []TaskRef{{Name: "b"}, {Name: "c"}}}
	tasks["root"] = &Task{Short: "root", Kind: KindSeries, Children: []TaskRef{{Name: "a"}, {Name: "inner"}}}

	if n := CountLeaves(tasks["root"], tasks); n != 3 {
		t.Errorf("CountLeaves = %d, want 3", n)
	}

	var finished int32
	runner := &Runner{
		Tasks: tasks,
		Progress: func(task *Task, err error) {
			atomic.AddInt32(&finished, 1)
		},
	}
	if err := runner.Run(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}
	if finished != 3 {
		t.Errorf("progress was reported %d times, want 3", finished)
	}
}

func TestRunUnknownTask(t *testing.T) {
	if err := (&Runner{Tasks: TaskList{}}).Run(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown task")
	}
}

func TestCancelledContext(t *testing.T) {
	action := &fakeAction{name: "a"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Runner{}).RunTask(ctx, leaf("a", action))
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if action.runs != 0 {
		t.Errorf("cancelled runs must not start actions")
	}
}

func TestShellCommands(t *testing.T) {
	dir := t.TempDir()
	task := &Task{
		Short: "shell",
		Kind:  KindLeaf,
		Base:  dir,
		Env:   map[string]string{"GREETING": "hello"},
		Cmds: []TaskCmdScript{
			{TaskName: "shell", Content: "mkdir -p out/nested"},
			{TaskName: "shell", Content: `echo "$GREETING" > out/nested/greeting.txt`, Index: 1},
		},
	}

	if err := (&Runner{}).RunTask(context.Background(), task); err != nil {
		t.Fatalf("shell task failed: %v", err)
	}

	data, err := ioutil.ReadFile(filepath.Join(dir, "out", "nested", "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Errorf("unexpected output %q", data)
	}
}

func TestShellCommandFailure(t *testing.T) {
	task := &Task{
		Short: "shell",
		Kind:  KindLeaf,
		Base:  t.TempDir(),
		Cmds:  []TaskCmdScript{{TaskName: "shell", Content: "exit 3"}},
	}

	if err := (&Runner{}).RunTask(context.Background(), task); err == nil {
		t.Error("a failing command must fail the task")
	}
}
