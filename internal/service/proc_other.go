//go:build !unix

package service

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// interrupt kills the process, there is no portable terminate signal.
func interrupt(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
