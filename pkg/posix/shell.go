package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"
)

var defaultExecHandler = interp.DefaultExecHandler(2)

// ExecHandler runs mv, rm and mkdir in-process so that shell commands behave the same on every platform.
// Everything else is passed on to the default handler.
func ExecHandler(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return defaultExecHandler(ctx, args)
	}

	switch args[0] {
	case "rm", "mkdir", "mv":
		hc := interp.HandlerCtx(ctx)
		flags, operands := splitFlags(args[1:])
		for idx, item := range operands {
			if !filepath.IsAbs(item) {
				operands[idx] = filepath.Join(hc.Dir, item)
			}
		}

		switch args[0] {
		case "rm":
			return Remove(operands, flags['r'] || flags['R'], flags['f'])
		case "mkdir":
			return Mkdir(operands, flags['p'])
		default:
			if len(operands) < 2 {
				return eris.New("mv: not enough parameters")
			}
			return Move(operands[:len(operands)-1], operands[len(operands)-1])
		}
	}

	return defaultExecHandler(ctx, args)
}

func splitFlags(args []string) (map[rune]bool, []string) {
	flags := make(map[rune]bool)
	operands := make([]string, 0, len(args))
	flagsDone := false

	for _, arg := range args {
		if !flagsDone && arg == "--" {
			flagsDone = true
			continue
		}

		if !flagsDone && strings.HasPrefix(arg, "-") && len(arg) > 1 {
			for _, flag := range arg[1:] {
				flags[flag] = true
			}
			continue
		}

		operands = append(operands, arg)
	}

	return flags, operands
}

var defaultOpenHandler = interp.DefaultOpenHandler()

// OpenHandler maps /dev/null to the platform's null device.
func OpenHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}
