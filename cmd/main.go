// Package cmd implements the assetsys command line interface
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assetsys [key=value...]",
		Short: "Builds, lints and serves web assets",
		Long: `This command parses the first tasks.star file it finds (or the built-in task script if there is none) and
runs the build task unless a different command was given. Script options are passed as key=value arguments.`,
		Args:          optionArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNamed(cmd, args, "build")
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("dir", "C", ".", "run as if started in this directory")
	flags.String("config", "", "configuration file (default assetsys.toml in the working directory)")
	flags.BoolP("dry", "n", false, "dry run; only print what would run, don't execute anything")
	flags.Bool("strict", false, "fail lint tasks if errors were found")
	flags.String("addr", "", "address for the dev server started by watch")
	flags.Bool("progress", false, "show a progress bar")
	flags.BoolP("verbose", "v", false, "print debug messages")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "build [key=value...]",
			Short: "Cleans the build directory and rebuilds every asset",
			Args:  optionArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runNamed(cmd, args, "build")
			},
		},
		&cobra.Command{
			Use:   "lint [key=value...]",
			Short: "Checks the scripts for problems",
			Args:  optionArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runNamed(cmd, args, "lint")
			},
		},
		&cobra.Command{
			Use:   "run task... [key=value...]",
			Short: "Runs the given tasks in order",
			Args: func(cmd *cobra.Command, args []string) error {
				names, _ := splitArgs(args)
				if len(names) == 0 {
					return eris.New("at least one task name is required")
				}
				return nil
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				names, options := splitArgs(args)
				return runTasks(cmd, options, names)
			},
		},
		&cobra.Command{
			Use:   "list [key=value...]",
			Short: "Lists the available tasks and script options",
			Args:  optionArgs,
			RunE:  listTasks,
		},
		newWatchCmd(),
	)

	return rootCmd
}

func runNamed(cmd *cobra.Command, args []string, name string) error {
	_, options := splitArgs(args)
	return runTasks(cmd, options, []string{name})
}

func runTasks(cmd *cobra.Command, options map[string]string, names []string) error {
	s, err := newSession(cmd, options)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.run(names...)
}

func listTasks(cmd *cobra.Command, args []string) error {
	_, options := splitArgs(args)
	s, err := newSession(cmd, options)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	names := s.script.Tasks.Visible()

	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	fmt.Fprintln(out, "Available tasks:")
	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Fprintf(out, lineFmt, name+":", s.script.Tasks[name].Desc)
	}

	if len(s.script.Options) > 0 {
		optNames := make([]string, 0, len(s.script.Options))
		for name := range s.script.Options {
			optNames = append(optNames, name)
		}
		sort.Strings(optNames)

		fmt.Fprintln(out, "\nOptions:")
		for _, name := range optNames {
			opt := s.script.Options[name]
			fmt.Fprintf(out, " * %s=%s\n", name, opt.Default())
			if opt.Help != "" {
				fmt.Fprintf(out, "     %s\n", opt.Help)
			}
		}
	}

	return nil
}

// Execute runs the CLI until it's done or interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	cobra.CheckErr(err)
}
