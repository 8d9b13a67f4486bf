//go:build linux || darwin || freebsd

package terminal

import (
	"os"

	"golang.org/x/sys/unix"
)

// screenSize sets the size of the pager's screen from the terminal on
// stdout.
func (p *pager) screenSize() bool {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Row == 0 || ws.Col == 0 {
		return false
	}
	p.rows, p.cols = int(ws.Row), int(ws.Col)
	return true
}
