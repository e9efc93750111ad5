package logger

import (
	"fmt"
	"log"
	"strings"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a LOG_LEVEL string into a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "notice":
		return NoticeLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// String returns the bracketed tag a level renders as in log lines.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "[DEBUG]"
	case NoticeLevel:
		return "[NOTICE]"
	case ErrorLevel:
		return "[ERROR]"
	default:
		return "[INFO]"
	}
}

// chainTag is the display label and color for one chain ID. Mainnets and
// their testnets share a label so operators can grep one token per chain.
type chainTag struct {
	label string
	color color.Attribute
}

var chainTags = map[int64]chainTag{
	1:        {"ETH", color.FgHiGreen},
	11155111: {"ETH", color.FgHiGreen},
	56:       {"BSC", color.FgYellow},
	97:       {"BSC", color.FgYellow},
	137:      {"POL", color.FgMagenta},
	80002:    {"POL", color.FgMagenta},
	42161:    {"ARB", color.FgHiBlue},
	43114:    {"AVA", color.FgRed},
	8453:     {"BASE", color.FgBlue},
	84532:    {"BASE", color.FgBlue},
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithChain(chainID int64, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithChain(chainID int64, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithChain(chainID int64, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithChain(chainID int64, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) InfoWithChain(_ int64, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) ErrorWithChain(_ int64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) DebugWithChain(_ int64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) NoticeWithChain(_ int64, _ string, _ ...interface{}) {}

// StdLogger writes leveled, chain-tagged lines through the standard log
// package. Every public method funnels into output so filtering and tagging
// live in one place.
type StdLogger struct {
	enableColoring bool
	level          Level
}

var _ Logger = (*StdLogger)(nil)

// chainNone marks messages that carry no chain context.
const chainNone int64 = 0

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// chainPrefix renders the tag for a chain ID. Chains outside the table
// (CHAIN_ID overrides, local devnets) get their numeric ID so their lines
// are still attributable.
func (l *StdLogger) chainPrefix(chainID int64) string {
	if chainID == chainNone {
		return ""
	}

	tag, known := chainTags[chainID]
	if !known {
		tag = chainTag{label: fmt.Sprintf("%d", chainID), color: color.FgWhite}
	}

	prefix := "[" + tag.label + "]"
	if l.enableColoring {
		prefix = color.New(tag.color).Sprint(prefix)
	}
	return prefix + " "
}

// output is the single write path: one level check, one prefix build, one
// call into the log package (which serializes concurrent writers itself).
func (l *StdLogger) output(level Level, chainID int64, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	log.Printf("%-9s%s"+format, append([]interface{}{level.String(), l.chainPrefix(chainID)}, args...)...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.output(InfoLevel, chainNone, format, args...)
}

func (l *StdLogger) InfoWithChain(chainID int64, format string, args ...interface{}) {
	l.output(InfoLevel, chainID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.output(ErrorLevel, chainNone, format, args...)
}

func (l *StdLogger) ErrorWithChain(chainID int64, format string, args ...interface{}) {
	l.output(ErrorLevel, chainID, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.output(DebugLevel, chainNone, format, args...)
}

func (l *StdLogger) DebugWithChain(chainID int64, format string, args ...interface{}) {
	l.output(DebugLevel, chainID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.output(NoticeLevel, chainNone, format, args...)
}

func (l *StdLogger) NoticeWithChain(chainID int64, format string, args ...interface{}) {
	l.output(NoticeLevel, chainID, format, args...)
}
