//go:build !linux

package gdbserial

import (
	"os"
	"os/exec"
)

func backgroundGroup(cmd *exec.Cmd) {}

func killGroup(p *os.Process) {
	p.Kill()
}
