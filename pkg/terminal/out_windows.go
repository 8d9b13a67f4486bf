package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
	"golang.org/x/sys/windows"
)

// screenSize sets the size of the pager's screen from the console window.
func (p *pager) screenSize() bool {
	hout, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return false
	}
	var sbi windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(hout, &sbi); err != nil {
		return false
	}
	p.cols = int(sbi.Window.Right - sbi.Window.Left + 1)
	p.rows = int(sbi.Window.Bottom - sbi.Window.Top + 1)
	return p.rows > 0 && p.cols > 0
}

// getColorableWriter returns an io.Writer that translates ANSI escape
// sequences into console API calls.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
