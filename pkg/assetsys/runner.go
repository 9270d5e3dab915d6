package assetsys

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/assetsys/pkg/buildlog"
	"github.com/ngld/assetsys/pkg/posix"
)

// ProgressFunc is called after every leaf task finished
type ProgressFunc func(task *Task, err error)

// Runner executes tasks from a TaskList. It's safe to call Run concurrently as long as the tasks don't
// write to the same files.
type Runner struct {
	Tasks    TaskList
	DryRun   bool
	Progress ProgressFunc
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

// Run executes the named task
func (r *Runner) Run(ctx context.Context, name string) error {
	task, found := r.Tasks[name]
	if !found {
		return eris.Errorf("Task %s not found", name)
	}

	return r.RunTask(ctx, task)
}

// RunTask executes the given task and, depending on its kind, its children.
func (r *Runner) RunTask(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, dep := range task.Deps {
		depTask, err := r.resolve(dep)
		if err != nil {
			return err
		}

		err = r.RunTask(ctx, depTask)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, depTask.Short)
		}
	}

	switch task.Kind {
	case KindSeries:
		return r.runSeries(ctx, task)
	case KindParallel:
		return r.runParallel(ctx, task)
	default:
		err := r.runLeaf(ctx, task)
		if r.Progress != nil {
			r.Progress(task, err)
		}
		return err
	}
}

func (r *Runner) resolve(ref TaskRef) (*Task, error) {
	if ref.Task != nil {
		return ref.Task, nil
	}

	task, ok := r.Tasks[ref.Name]
	if !ok {
		return nil, eris.Errorf("Task %s not found", ref.Name)
	}
	return task, nil
}

func (r *Runner) runSeries(ctx context.Context, task *Task) error {
	for _, ref := range task.Children {
		child, err := r.resolve(ref)
		if err != nil {
			return err
		}

		if err := r.RunTask(ctx, child); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) runParallel(ctx context.Context, task *Task) error {
	children := make([]*Task, len(task.Children))
	for idx, ref := range task.Children {
		child, err := r.resolve(ref)
		if err != nil {
			return err
		}
		children[idx] = child
	}

	// Siblings keep running when one of them fails, so the group must not cancel the context.
	var group errgroup.Group
	errs := make([]error, len(children))
	for idx, child := range children {
		idx, child := idx, child
		group.Go(func() error {
			errs[idx] = r.RunTask(ctx, child)
			return nil
		})
	}
	_ = group.Wait()

	return multierr.Combine(errs...)
}

func (r *Runner) runLeaf(ctx context.Context, task *Task) error {
	ctx = buildlog.ForTask(ctx, task.Short)

	if task.Action != nil {
		if r.DryRun {
			buildlog.Log(ctx).Info().Bool("command", true).Msg(task.Action.Describe())
			return nil
		}

		return eris.Wrapf(task.Action.Run(ctx), "task %s failed", task.Short)
	}

	if len(task.Cmds) == 0 {
		return nil
	}

	base := task.Base
	if base == "" {
		base = "."
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(posix.ExecHandler),
		interp.OpenHandler(posix.OpenHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		for _, stm := range stmts {
			strBuffer.Reset()
			printer.Print(&strBuffer, stm)
			buildlog.Log(ctx).Info().
				Bool("command", true).
				Msg(strBuffer.String())

			if !r.DryRun {
				err = runner.Run(ctx, stm)
				if err != nil {
					return eris.Wrapf(err, "task %s failed", task.Short)
				}

				if runner.Exited() {
					return nil
				}
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// CountLeaves returns the number of leaf tasks a run of task executes
func CountLeaves(task *Task, tasks TaskList) int {
	count := 0
	visit := func(refs []TaskRef) {
		for _, ref := range refs {
			child := ref.Task
			if child == nil {
				child = tasks[ref.Name]
			}
			if child != nil {
				count += CountLeaves(child, tasks)
			}
		}
	}

	visit(task.Deps)
	if task.Kind == KindLeaf {
		count++
	} else {
		visit(task.Children)
	}
	return count
}
