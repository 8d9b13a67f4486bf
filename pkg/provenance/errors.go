package provenance

import (
	"errors"
	"fmt"

	"github.com/ttdtools/timetrack/pkg/asm"
)

// UnresolvableTargetError is returned by Trace when the target is neither a
// register nor an address expression that can be evaluated.
type UnresolvableTargetError struct {
	Target string
	Err    error
}

func (err *UnresolvableTargetError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("could not resolve %q", err.Target)
	}
	return fmt.Sprintf("could not resolve %q: %v", err.Target, err.Err)
}

func (err *UnresolvableTargetError) Unwrap() error {
	return err.Err
}

// UnreadableRegisterError means a register is not part of the machine state
// exposed by the replay engine.
type UnreadableRegisterError struct {
	Reg asm.Register
}

func (err *UnreadableRegisterError) Error() string {
	return fmt.Sprintf("register %s unreadable", err.Reg)
}

// ErrSearchExhausted is returned by the locator when no write is found
// before the iteration ceiling or the start of the recording.
var ErrSearchExhausted = errors.New("search exhausted")

// Descriptions of terminal records.
const (
	descNotFound  = "origin not found"
	descSyscall   = "origin is a system call"
	descZeroing   = "zeroing idiom"
	descUnhandled = "unhandled instruction"
	descCall      = "return address pushed by call"
)
