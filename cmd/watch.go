package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngld/assetsys/pkg/devserver"
	"github.com/ngld/assetsys/pkg/watcher"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [key=value...]",
		Short: "Builds everything once, then serves the build output and rebuilds on changes",
		Args:  optionArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, options := splitArgs(args)
			s, err := newSession(cmd, options)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.watch()
		},
	}
}

// watch blocks until the session's context is cancelled. Failing builds are logged and don't stop it.
func (s *session) watch() error {
	if err := s.run("build"); err != nil {
		s.log.Warn().Err(err).Msg("The initial build failed, waiting for changes")
	}

	var server *devserver.Server
	if !s.cfg.HTTP.Disabled {
		server = devserver.New(s.ctx, s.script.ServeRoot, s.cfg.HTTP.Address)
		if err := server.Start(); err != nil {
			return err
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := server.Stop(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to stop the dev server")
			}
		}()
	}

	bindings := make([]watcher.Binding, len(s.script.Watches))
	for idx, b := range s.script.Watches {
		bindings[idx] = watcher.Binding{Spec: b.Spec, Task: b.Task}
	}

	// rebuilds don't get a progress bar
	runner := s.runner(nil)
	w := &watcher.Watcher{
		Bindings: bindings,
		Debounce: s.cfg.Watch.Debounce,
		Run:      runner.Run,
		Notify: func(task string) {
			if server != nil {
				server.NotifyReload()
			}
		},
	}

	err := w.Watch(s.ctx)
	s.log.Info().Msg("Shutting down")
	return err
}
