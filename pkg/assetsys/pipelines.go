package assetsys

import (
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/assetsys/pkg/pipeline"
)

func (c *parserCtx) addPipeline(p *pipeline.Pipeline, desc string) (starlark.Value, error) {
	task := &Task{
		Short:  p.Name,
		Desc:   desc,
		Kind:   KindLeaf,
		Action: p,
	}
	if err := c.register(task); err != nil {
		return nil, err
	}

	c.pipelines = append(c.pipelines, p)
	c.closers = append(c.closers, p)
	return task, nil
}

func stringList(list *starlark.List, field string) ([]string, error) {
	if list == nil {
		return nil, nil
	}
	return starlarkIterable2stringSlice(list, field)
}

// styles(name, src, dest, compiler="scss", command="", bundle="app.css", browsers=None, include_paths=None,
//        sourcemap=True, precompress=False, desc="")
func stylesTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc string
	var src, dest starlark.Value
	var browsers, includePaths *starlark.List
	opts := pipeline.StylesOptions{SourceMap: true}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "src", &src, "dest", &dest,
		"compiler?", &opts.Compiler, "command?", &opts.Command, "bundle?", &opts.Bundle, "browsers?", &browsers,
		"include_paths?", &includePaths, "sourcemap?", &opts.SourceMap, "precompress?", &opts.Precompress,
		"desc?", &desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	opts.Sources, err = pathSpecs(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	opts.Dest, err = pathValue(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	opts.Browsers, err = stringList(browsers, "browsers")
	if err != nil {
		return nil, err
	}

	paths, err := stringList(includePaths, "include_paths")
	if err != nil {
		return nil, err
	}
	for _, item := range paths {
		opts.IncludePaths = append(opts.IncludePaths, normalizePath(ctx, item))
	}

	opts.SassBinary = ctx.settings.SassBinary
	p, err := pipeline.NewStylesPipeline(name, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "%s(%s)", fn.Name(), name)
	}

	return ctx.addPipeline(p, desc)
}

// scripts(name, src, dest, bundle="app.min.js", target="es2015", sourcemap=False, precompress=False, desc="")
func scriptsTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc string
	var src, dest starlark.Value
	var opts pipeline.ScriptsOptions

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "src", &src, "dest", &dest,
		"bundle?", &opts.Bundle, "target?", &opts.Target, "sourcemap?", &opts.SourceMap,
		"precompress?", &opts.Precompress, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	opts.Sources, err = pathSpecs(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	opts.Dest, err = pathValue(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	p, err := pipeline.NewScriptsPipeline(name, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "%s(%s)", fn.Name(), name)
	}

	return ctx.addPipeline(p, desc)
}

// copy(name, src, dest, desc="")
func copyTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc string
	var src, dest starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "src", &src, "dest", &dest, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	sources, err := pathSpecs(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	destDir, err := pathValue(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	return ctx.addPipeline(pipeline.NewCopyPipeline(name, sources, destDir), desc)
}

// lint(name, src, rules=None, strict=False, desc="")
func lintTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc string
	var src starlark.Value
	var rules *starlark.Dict
	var strict bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "src", &src, "rules?", &rules,
		"strict?", &strict, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	sources, err := pathSpecs(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	ruleSet := pipeline.DefaultRules()
	if rules != nil {
		for _, item := range rules.Items() {
			rule, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("%s: rule names must be strings, found %s", fn.Name(), item[0].Type())
			}

			var level string
			switch value := item[1].(type) {
			case starlark.String:
				level = value.GoString()
			case starlark.Int:
				level = value.String()
			default:
				return nil, eris.Errorf("%s: invalid severity %s for rule %s", fn.Name(), value.String(), rule.GoString())
			}

			severity, err := pipeline.ParseSeverity(level)
			if err != nil {
				return nil, eris.Wrapf(err, "%s: rule %s", fn.Name(), rule.GoString())
			}
			ruleSet[rule.GoString()] = severity
		}
	}

	p := pipeline.NewLintPipeline(name, sources, ruleSet, strict || ctx.settings.StrictLint)
	return ctx.addPipeline(p, desc)
}

// clean(name, dir, desc="")
func cleanTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc string
	var dir starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "dir", &dir, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	path, err := pathValue(ctx, dir, "dir")
	if err != nil {
		return nil, err
	}

	task := &Task{
		Short:  name,
		Desc:   desc,
		Kind:   KindLeaf,
		Action: &pipeline.Clean{Dir: path},
	}
	if err := ctx.register(task); err != nil {
		return nil, err
	}
	return task, nil
}
