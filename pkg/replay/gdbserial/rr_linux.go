package gdbserial

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// backgroundGroup puts rr and the processes it replays in their own process
// group, they are killed together and do not receive our SIGINT.
func backgroundGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(p *os.Process) {
	unix.Kill(-p.Pid, unix.SIGKILL)
}
