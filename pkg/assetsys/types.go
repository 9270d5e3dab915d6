package assetsys

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"go.uber.org/multierr"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/assetsys/pkg/pipeline"
)

// Kind determines how a task runs its children
type Kind int

const (
	// KindLeaf tasks run an action or shell commands
	KindLeaf Kind = iota
	// KindSeries tasks run their children one after another and stop at the first failure
	KindSeries
	// KindParallel tasks run all children at once and wait for every one of them
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindSeries:
		return "series"
	case KindParallel:
		return "parallel"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is the unit of work behind a leaf task. It's done once Run returns.
type Action interface {
	Run(ctx context.Context) error
	Describe() string
}

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

// TaskRef points to a task either directly or by name. Names are resolved once the script has been
// configured.
type TaskRef struct {
	Name string
	Task *Task
}

// Task contains the processed values passed to task(), series(), parallel() and the pipeline builtins
type Task struct {
	Env      map[string]string
	Short    string
	Desc     string
	Base     string
	Kind     Kind
	Action   Action
	Cmds     []TaskCmdScript
	Deps     []TaskRef
	Children []TaskRef
	Hidden   bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Visible returns the names of all tasks which aren't hidden, sorted
func (l TaskList) Visible() []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if !task.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// WatchBinding re-runs Task whenever a file matching Spec changes
type WatchBinding struct {
	Spec pipeline.PathSpec
	Task string
}

// Script is the result of loading a task script
type Script struct {
	Tasks   TaskList
	Options map[string]ScriptOption
	Watches []WatchBinding
	// ServeRoot is the directory the dev server serves
	ServeRoot string

	closers []io.Closer
}

// Close releases resources held by the script's pipelines (i.e. the Sass compiler process).
func (s *Script) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	s.closers = nil
	return err
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
