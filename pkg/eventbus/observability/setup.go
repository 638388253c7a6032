package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sweater-ventures/devslog"
	"golang.org/x/term"
)

// LogOptions configures the process logger.
type LogOptions struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// JSON forces JSON output even on a terminal.
	JSON bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// NewLogger builds the process logger: devslog on an interactive terminal,
// JSON otherwise. The returned LevelVar can change the level at runtime.
func NewLogger(opts LogOptions) (*slog.Logger, *slog.LevelVar, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.JSON || !isTerminal(out) {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar})), levelVar, nil
	}

	return slog.New(devslog.NewHandler(out, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			Level: levelVar,
		},
		TimeFormat:           "[ 03:04:05 PM ]",
		StringIndentation:    true,
		DisableAttributeType: true,
	})), levelVar, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
