//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no graceful variant off unix; both requests kill.
func signalGroup(p *os.Process, force bool) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func exitSignal(ee *exec.ExitError) string { return "" }
