package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ngld/assetsys/pkg/assetsys"
	"github.com/ngld/assetsys/pkg/buildlog"
	"github.com/ngld/assetsys/pkg/config"
)

// session bundles everything a command needs: the configuration, a context carrying the logger and the
// loaded task script
type session struct {
	cfg    *config.Config
	ctx    context.Context
	log    *zerolog.Logger
	script *assetsys.Script
	dryRun bool

	logFile io.Closer
}

// splitArgs separates key=value script options from task names
func splitArgs(args []string) ([]string, map[string]string) {
	names := make([]string, 0, len(args))
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			names = append(names, part)
		}
	}

	return names, options
}

// optionArgs only accepts key=value arguments
func optionArgs(cmd *cobra.Command, args []string) error {
	names, _ := splitArgs(args)
	if len(names) > 0 {
		return eris.Errorf("unexpected argument %s, only key=value options are accepted", names[0])
	}
	return nil
}

func loadConfig(cmd *cobra.Command, workDir string) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, eris.Wrapf(err, "failed to read config file %s", path)
		}
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Load(filepath.Join(workDir, config.DefaultFile))
	}
	if err != nil {
		return nil, err
	}

	if flags.Changed("strict") {
		cfg.Lint.Strict, _ = flags.GetBool("strict")
	}
	if flags.Changed("addr") {
		cfg.HTTP.Address, _ = flags.GetString("addr")
	}
	if flags.Changed("progress") {
		cfg.Progress, _ = flags.GetBool("progress")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}

	return cfg, cfg.Validate()
}

func makeLogger(cfg *config.Config, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer

	switch {
	case cfg.Log.File != "":
		logFile, err := os.Create(cfg.Log.File)
		if err != nil {
			return zerolog.Nop(), nil, eris.Wrap(err, "failed to open log file")
		}

		closer = logFile
		if cfg.Log.JSON {
			out = logFile
		} else {
			out = &buildlog.ConsoleWriter{Out: logFile, NoColor: true}
		}
	case cfg.Log.JSON:
		out = stderr
	default:
		out = buildlog.NewConsoleWriter(stderr)
	}

	if cfg.Debug {
		buildlog.ShowTraces(true)
	}

	logger := zerolog.New(out).Level(cfg.LogLevel())
	if cfg.Log.JSON {
		logger = logger.With().Timestamp().Logger()
	}
	return logger, closer, nil
}

// findScript returns the first tasks.star in dir or one of its parents. An empty result means there is none.
func findScript(dir string) (string, error) {
	path := dir
	for {
		taskPath := filepath.Join(path, assetsys.DefaultScriptName)
		_, err := os.Stat(taskPath)
		if err == nil {
			return taskPath, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", nil
		}

		path = parent
	}
}

func newSession(cmd *cobra.Command, options map[string]string) (*session, error) {
	flags := cmd.Flags()
	workDir, err := flags.GetString("dir")
	if err != nil {
		return nil, err
	}

	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve the working directory")
	}

	cfg, err := loadConfig(cmd, workDir)
	if err != nil {
		return nil, err
	}

	logger, logFile, err := makeLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s := &session{
		cfg:     cfg,
		ctx:     buildlog.WithLogger(ctx, &logger),
		log:     &logger,
		logFile: logFile,
	}
	s.dryRun, _ = flags.GetBool("dry")

	settings := assetsys.Settings{
		Options:    options,
		Configure:  true,
		StrictLint: cfg.Lint.Strict,
		SassBinary: cfg.Sass.Binary,
	}

	scriptPath := cfg.Script
	if scriptPath != "" && !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(workDir, scriptPath)
	}
	if scriptPath == "" {
		scriptPath, err = findScript(workDir)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	if scriptPath == "" {
		logger.Info().Msg("No tasks.star found, using the built-in task script")
		settings.ProjectRoot = workDir
		s.script, err = assetsys.RunScriptSource(s.ctx, filepath.Join(workDir, assetsys.DefaultScriptName),
			assetsys.DefaultScript, settings)
	} else {
		logger.Debug().Str("path", scriptPath).Msgf("Loading %s", scriptPath)
		s.script, err = assetsys.RunScript(s.ctx, scriptPath, settings)
	}
	if err != nil {
		s.Close()
		return nil, eris.Wrap(err, "failed to parse tasks")
	}

	return s, nil
}

func (s *session) runner(progress assetsys.ProgressFunc) *assetsys.Runner {
	return &assetsys.Runner{
		Tasks:    s.script.Tasks,
		DryRun:   s.dryRun,
		Progress: progress,
	}
}

// run executes the given tasks one after the other and stops at the first failure
func (s *session) run(names ...string) error {
	for _, name := range names {
		if _, ok := s.script.Tasks[name]; !ok {
			return eris.Errorf("Task %s not found", name)
		}
	}

	var bar *progressbar.ProgressBar
	var progress assetsys.ProgressFunc
	if s.cfg.Progress && !s.dryRun {
		total := 0
		for _, name := range names {
			total += assetsys.CountLeaves(s.script.Tasks[name], s.script.Tasks)
		}

		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(strings.Join(names, ", ")),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		progress = func(task *assetsys.Task, err error) {
			bar.Add(1)
		}
	}

	runner := s.runner(progress)
	for _, name := range names {
		err := runner.Run(s.ctx, name)
		if err != nil {
			s.log.Error().Err(err).Msgf("Failed task %s", name)
			return eris.Errorf("task %s failed", name)
		}
	}

	if bar != nil {
		bar.Finish()
	}
	return nil
}

func (s *session) Close() {
	if s.script != nil {
		if err := s.script.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to shut down pipelines")
		}
	}

	if s.logFile != nil {
		s.logFile.Close()
	}
}
