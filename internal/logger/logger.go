package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the root logger is built.
type Options struct {
	Name   string
	Level  string
	Format string // "json" or "text"
	Output string // "stdout", "stderr" or "file"
	File   string
	Color  bool
}

var (
	mu   sync.RWMutex
	root hclog.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "imgvault",
		Level: hclog.Info,
	})
)

// New builds an hclog logger from options.
func New(opts Options) (hclog.Logger, error) {
	var out io.Writer = os.Stdout
	switch strings.ToLower(opts.Output) {
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	color := hclog.ColorOff
	if opts.Color && opts.Format != "json" {
		color = hclog.AutoColor
	}

	name := opts.Name
	if name == "" {
		name = "imgvault"
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(opts.Level),
		Output:     out,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
		Color:      color,
	}), nil
}

// SetDefault replaces the package level logger.
func SetDefault(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Default returns the package level logger.
func Default() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a sub-logger of the package level logger.
func Named(name string) hclog.Logger {
	return Default().Named(name)
}

// Info logs informational messages with key/value pairs
func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

// Warn logs warning messages
func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

// Error logs error messages
func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Debug logs debug messages
func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}
