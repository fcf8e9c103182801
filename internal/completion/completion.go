// Package completion provides CLI tab-completion for opsgate.
//
// The binary itself handles completions: when invoked with COMP_LINE set
// (by the shell), it outputs matching completions and exits. Works across
// bash, zsh, and fish with a one-time install.
package completion

import (
	"os"

	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/install"
	"github.com/posener/complete/v2/predict"
)

// command defines the full opsgate CLI completion tree.
var command = &complete.Command{
	Sub: map[string]*complete.Command{
		"execute": {
			Flags: map[string]complete.Predictor{
				"dry-run":          predict.Nothing,
				"user":             predict.Nothing,
				"no-remote-policy": predict.Nothing,
				"backend":          predict.Set{"auto", "chroot", "container", "orchestrated"},
				"format":           predict.Set{"rich", "json", "plain"},
				"timeout":          predict.Nothing,
				"yes":              predict.Nothing,
			},
		},
		"check": {
			Flags: map[string]complete.Predictor{
				"user":             predict.Nothing,
				"no-remote-policy": predict.Nothing,
				"format":           predict.Set{"rich", "json", "plain"},
			},
		},
		"suggest": {},
		"export": {
			Flags: map[string]complete.Predictor{
				"format":  predict.Set{"ansible", "terraform", "shell"},
				"output":  predict.Files("*"),
				"session": predict.Files("*.json"),
			},
		},
		"policies": {
			Flags: map[string]complete.Predictor{
				"validate": predict.Dirs("*"),
				"format":   predict.Set{"rich", "json", "plain"},
			},
		},
		"plugins": {},
		"serve": {
			Flags: map[string]complete.Predictor{
				"port":   predict.Nothing,
				"daemon": predict.Nothing,
				"stop":   predict.Nothing,
				"status": predict.Nothing,
			},
		},
		"cost": {
			Flags: map[string]complete.Predictor{
				"user": predict.Nothing,
			},
		},
		"completion": {
			Flags: map[string]complete.Predictor{
				"install":   predict.Nothing,
				"uninstall": predict.Nothing,
			},
		},
		"help":    {},
		"version": {},
	},
}

// Run checks if the binary was invoked for shell completion.
// If COMP_LINE is set, it outputs completions and exits (never returns).
// Otherwise it returns false and the program continues normally.
func Run() bool {
	if os.Getenv("COMP_LINE") != "" || os.Getenv("COMP_INSTALL") != "" || os.Getenv("COMP_UNINSTALL") != "" {
		command.Complete("opsgate")
		return true
	}
	return false
}

// Install sets up shell completion for the detected shells.
func Install() error {
	return install.Install("opsgate")
}

// Uninstall removes shell completion for the detected shells.
func Uninstall() error {
	return install.Uninstall("opsgate")
}
