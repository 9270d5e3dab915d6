// Package assetsys implements the task graph of the asset build. Tasks are declared by a Starlark script
// (tasks.star) and are either leaves backed by a pipeline or shell commands, or series / parallel
// compositions of other tasks.
package assetsys

import (
	// needed for go:embed
	_ "embed"
)

// DefaultScriptName is the file name the CLI looks for in the working directory and its parents
const DefaultScriptName = "tasks.star"

// DefaultScript is used if the project doesn't provide its own task script
//
//go:embed default.star
var DefaultScript []byte
