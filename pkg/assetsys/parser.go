package assetsys

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/assetsys/pkg/buildlog"
	"github.com/ngld/assetsys/pkg/pipeline"
)

// Settings controls how a task script is loaded
type Settings struct {
	ProjectRoot string
	Options     map[string]string
	// Configure calls the script's configure() function and collects the declared tasks
	Configure bool
	// StrictLint turns every lint task into a strict one
	StrictLint bool
	SassBinary string
}

type parserCtx struct {
	ctx          context.Context
	settings     Settings
	options      map[string]ScriptOption
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	jsonCache    map[string][]byte
	filepath     string
	projectRoot  string
	tasks        TaskList
	pipelines    []*pipeline.Pipeline
	watches      []WatchBinding
	serveRoot    string
	closers      []io.Closer
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func (c *parserCtx) register(task *Task) error {
	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if _, exists := c.tasks[task.Short]; exists {
		return eris.Errorf("a task named %s already exists", task.Short)
	}

	c.tasks[task.Short] = task
	return nil
}

func logPrefix(thread *starlark.Thread) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	return fmt.Sprintf("%s:%d:%d", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	buildlog.Log(getCtx(thread).ctx).Info().
		Msgf("%s: %s", logPrefix(thread), fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	buildlog.Log(getCtx(thread).ctx).Warn().
		Msgf("%s: %s", logPrefix(thread), fmt.Sprintf(msg, args...))
}

func taskRefs(fn *starlark.Builtin, values starlark.Tuple) ([]TaskRef, error) {
	refs := make([]TaskRef, 0, len(values))
	for idx, value := range values {
		switch value := value.(type) {
		case *Task:
			refs = append(refs, TaskRef{Task: value})
		case starlark.String:
			refs = append(refs, TaskRef{Name: value.GoString()})
		default:
			return nil, eris.Errorf("%s: argument %d is a %s but only tasks and task names are supported", fn.Name(), idx+1,
				value.Type())
		}
	}
	return refs, nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.settings.Options[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(ctx, task.Base)

	if deps != nil {
		depValues := make(starlark.Tuple, 0, deps.Len())
		for idx := 0; idx < deps.Len(); idx++ {
			depValues = append(depValues, deps.Index(idx))
		}

		task.Deps, err = taskRefs(fn, depValues)
		if err != nil {
			return nil, err
		}
	}

	if env != nil {
		for _, rawKey := range env.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := env.Get(rawKey)
			if err != nil {
				return nil, err
			}

			value, ok := rawValue.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", rawValue.Type(),
					key.GoString())
			}
			task.Env[key.GoString()] = value.GoString()
		}
	}

	task.Cmds = make([]TaskCmdScript, 0)
	if cmds != nil {
		strBuffer := strings.Builder{}
		printer := syntax.NewPrinter(syntax.Minify(true))
		parser := syntax.NewParser()

		for idx := 0; idx < cmds.Len(); idx++ {
			var parts starlark.Tuple

			switch value := cmds.Index(idx).(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, TaskCmdScript{Content: value.GoString(), Index: idx})
				continue
			case starlark.Tuple:
				parts = value
			case *starlark.List:
				parts = make(starlark.Tuple, value.Len())
				for subIdx := range parts {
					parts[subIdx] = value.Index(subIdx)
				}
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples and lists are valid", fn.Name(),
					value.Type())
			}

			cmd, err := processCmdParts(parts, parser, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			strBuffer.Reset()
			err = printer.Print(&strBuffer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			task.Cmds = append(task.Cmds, TaskCmdScript{Content: strBuffer.String(), Index: idx})
		}
	}

	if len(task.Cmds) == 0 && len(task.Deps) == 0 {
		warn(thread, "%s: task %s does nothing", fn.Name(), task.Short)
	}

	if err := ctx.register(task); err != nil {
		return nil, err
	}

	for idx := range task.Cmds {
		task.Cmds[idx].TaskName = task.Short
	}
	return task, nil
}

func composite(kind Kind) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		task := &Task{Kind: kind}

		err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "name?", &task.Short, "desc?", &task.Desc, "hidden?",
			&task.Hidden)
		if err != nil {
			return nil, err
		}

		task.Children, err = taskRefs(fn, args)
		if err != nil {
			return nil, err
		}

		if err := getCtx(thread).register(task); err != nil {
			return nil, err
		}
		return task, nil
	}
}

func watch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	var target starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "task", &target)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	specs, err := pathSpecs(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	var name string
	switch value := target.(type) {
	case *Task:
		name = value.Short
	case starlark.String:
		name = value.GoString()
	default:
		return nil, eris.Errorf("%s: task must be a task or a task name, not %s", fn.Name(), target.Type())
	}

	for _, spec := range specs {
		ctx.watches = append(ctx.watches, WatchBinding{Spec: spec, Task: name})
	}
	return starlark.None, nil
}

func serve(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir starlark.Value
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "dir", &dir)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	path, err := pathValue(ctx, dir, "dir")
	if err != nil {
		return nil, err
	}

	ctx.serveRoot = path
	return starlark.None, nil
}

// RunScript executes a starlark script and returns the declared options. If settings.Configure is set, the
// script's configure function is called and the declared tasks and watch bindings are collected as well.
func RunScript(ctx context.Context, filename string, settings Settings) (*Script, error) {
	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	return RunScriptSource(ctx, filename, script, settings)
}

// RunScriptSource works like RunScript but takes the script's contents directly. filename is only used to
// resolve relative paths and in messages.
func RunScriptSource(ctx context.Context, filename string, source []byte, settings Settings) (*Script, error) {
	if settings.ProjectRoot == "" {
		settings.ProjectRoot = filepath.Dir(filename)
	}

	projectRoot, err := filepath.Abs(settings.ProjectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"read_json":    starlark.NewBuiltin("read_json", readJSON),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"task":         starlark.NewBuiltin("task", task),
		"series":       starlark.NewBuiltin("series", composite(KindSeries)),
		"parallel":     starlark.NewBuiltin("parallel", composite(KindParallel)),
		"watch":        starlark.NewBuiltin("watch", watch),
		"serve":        starlark.NewBuiltin("serve", serve),
		"styles":       starlark.NewBuiltin("styles", stylesTask),
		"scripts":      starlark.NewBuiltin("scripts", scriptsTask),
		"copy":         starlark.NewBuiltin("copy", copyTask),
		"lint":         starlark.NewBuiltin("lint", lintTask),
		"clean":        starlark.NewBuiltin("clean", cleanTask),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			buildlog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		settings:     settings,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		envOverrides: make(map[string]string),
		tasks:        make(TaskList),
		yamlCache:    make(map[string]interface{}),
		jsonCache:    make(map[string][]byte),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	result := &Script{
		Tasks:   TaskList{},
		Options: threadCtx.options,
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), source, builtins)
	if err != nil {
		closeAll(threadCtx.closers)
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, eris.Wrap(err, "failed to execute")
	}

	if !settings.Configure {
		closeAll(threadCtx.closers)
		return result, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		closeAll(threadCtx.closers)
		return nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		closeAll(threadCtx.closers)
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
	if err != nil {
		closeAll(threadCtx.closers)
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.New(evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
	}

	for _, task := range threadCtx.tasks {
		for name, value := range threadCtx.envOverrides {
			if _, present := task.Env[name]; !present && task.Env != nil {
				task.Env[name] = value
			}
		}
	}

	err = validate(&threadCtx)
	if err != nil {
		closeAll(threadCtx.closers)
		return nil, err
	}

	result.Tasks = threadCtx.tasks
	result.Watches = threadCtx.watches
	result.ServeRoot = threadCtx.serveRoot
	if result.ServeRoot == "" {
		result.ServeRoot = filepath.Join(projectRoot, "build")
	}
	result.closers = threadCtx.closers
	return result, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

// validate resolves task names and rejects graphs that can't be run: unknown names, cycles and pipelines
// reading from another pipeline's output.
func validate(ctx *parserCtx) error {
	names := make([]string, 0, len(ctx.tasks))
	for name := range ctx.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		task := ctx.tasks[name]
		for _, refs := range [][]TaskRef{task.Deps, task.Children} {
			for idx := range refs {
				if refs[idx].Task != nil {
					continue
				}

				target, ok := ctx.tasks[refs[idx].Name]
				if !ok {
					return eris.Errorf("task %s references unknown task %s", name, refs[idx].Name)
				}
				refs[idx].Task = target
			}
		}
	}

	state := make(map[*Task]int)
	var visit func(task *Task, path []string) error
	visit = func(task *Task, path []string) error {
		path = append(path, task.Short)
		switch state[task] {
		case 1:
			return eris.Errorf("task %s depends on itself: %v", task.Short, path)
		case 2:
			return nil
		}

		state[task] = 1
		for _, refs := range [][]TaskRef{task.Deps, task.Children} {
			for _, ref := range refs {
				if err := visit(ref.Task, path); err != nil {
					return err
				}
			}
		}
		state[task] = 2
		return nil
	}

	for _, name := range names {
		if err := visit(ctx.tasks[name], nil); err != nil {
			return err
		}
	}

	for _, p := range ctx.pipelines {
		for _, other := range ctx.pipelines {
			if other.NoWrite || other.Dest == "" {
				continue
			}

			for _, src := range p.Sources {
				if src.Reaches(other.Dest) {
					return eris.Errorf("%s reads from %s which is written by %s", p.Name, src, other.Name)
				}
			}
		}
	}

	for _, binding := range ctx.watches {
		if _, ok := ctx.tasks[binding.Task]; !ok {
			return eris.Errorf("watch(%s) references unknown task %s", binding.Spec, binding.Task)
		}
	}

	return nil
}
