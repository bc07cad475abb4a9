package agent

import "os"

// initWorkspace creates the standard per-session directory tree a CLI
// agent is launched into: a scratch area for the user's own files, a
// working area the agent writes generated output into, and a temp
// scratch directory the privileged subsystem also treats as writable.
func initWorkspace(workDir string) error {
	for _, sub := range []string{"user", "ai", "system/temp"} {
		if err := os.MkdirAll(workDir+"/"+sub, 0o755); err != nil {
			return err
		}
	}
	return nil
}
