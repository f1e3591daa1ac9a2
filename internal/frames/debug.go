package frames

import (
	"io"
	"log"
)

// Log streams:
//
//	ops    a source died or could not be opened
//	diag   capture process lifecycle, directory scans
//	trace  one line per frame read
var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters points the frames log streams at ops, diag and trace.
// A nil writer silences its stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	mk := func(w io.Writer) *log.Logger {
		if w == nil {
			return nil
		}
		return log.New(w, "[frames] ", log.LstdFlags|log.Lmicroseconds)
	}
	opsLogger, diagLogger, traceLogger = mk(ops), mk(diag), mk(trace)
}

func logTo(l *log.Logger, format string, args []any) {
	if l != nil {
		l.Printf(format, args...)
	}
}

func opsf(format string, args ...any)   { logTo(opsLogger, format, args) }
func diagf(format string, args ...any)  { logTo(diagLogger, format, args) }
func tracef(format string, args ...any) { logTo(traceLogger, format, args) }
