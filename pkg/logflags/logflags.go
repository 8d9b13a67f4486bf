package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var tracer = false
var locator = false
var store = false
var gdbWire = false
var replay = false
var presenter = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Tracer returns true if the provenance builder should log its worklist
// decisions.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the provenance builder.
func TracerLogger() Logger {
	return makeFlaggableLogger(tracer, Fields{"layer": "tracer"})
}

// Locator returns true if the backward write searches should be logged.
func Locator() bool {
	return locator
}

// LocatorLogger returns a logger for the write locator.
func LocatorLogger() Logger {
	return makeFlaggableLogger(locator, Fields{"layer": "tracer", "kind": "locator"})
}

// Store returns true if the spill file lifecycle should be logged.
func Store() bool {
	return store
}

// StoreLogger returns a logger for the trace store.
func StoreLogger() Logger {
	return makeFlaggableLogger(store, Fields{"layer": "store"})
}

// GdbWire returns true if the gdbserial package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbserial wire protocol.
func GdbWireLogger() Logger {
	return makeFlaggableLogger(gdbWire, Fields{"layer": "gdbconn"})
}

// Replay returns true if cursor operations should be logged.
func Replay() bool {
	return replay
}

// ReplayLogger returns a logger for replay cursors.
func ReplayLogger() Logger {
	return makeFlaggableLogger(replay, Fields{"layer": "replay"})
}

// Presenter returns true if tree rendering should be logged.
func Presenter() bool {
	return presenter
}

// PresenterLogger returns a logger for the tree presenter.
func PresenterLogger() Logger {
	return makeFlaggableLogger(presenter, Fields{"layer": "presenter"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets tracer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "timetrack-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tracer"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If LogOutput is unset, log to stderr
		switch logcmd {
		case "tracer":
			tracer = true
		case "locator":
			locator = true
		case "store":
			store = true
		case "gdbwire":
			gdbWire = true
		case "replay":
			replay = true
		case "presenter":
			presenter = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'timetrack help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

type textFormatter struct{}

// Format formats a log entry as "time layer=... msg" on a single line.
func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	for _, k := range []string{"layer", "kind"} {
		if v, ok := entry.Data[k]; ok {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "layer" || k == "kind" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
