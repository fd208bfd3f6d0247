package logutil

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
)

// Setup points the package level phuslu logger at w with the given level.
// Colour is only enabled when w is a terminal.
func Setup(level string, w io.Writer) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	log.DefaultLogger = log.Logger{
		Level:      ParseLevel(level),
		TimeFormat: "15:04:05",
		Writer: &log.ConsoleWriter{
			ColorOutput:    color,
			EndWithMessage: true,
			Writer:         w,
		},
	}
}

// ParseLevel parses a level name, falling back to info for unknown names.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}
