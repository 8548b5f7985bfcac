package logger

import (
	"bytes"
	"log/slog"
	"os"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// ParseEnviroment maps a config string to an Enviroment.
// Unknown values fall back to Dev.
func ParseEnviroment(s string) Enviroment {
	switch s {
	case "prod", "production":
		return Prod
	case "staging":
		return Staging
	default:
		return Dev
	}
}

// NewLogger creates new slog.Logger writing JSON to stdout and return pointer to it
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a debug level text logger and the buffer it writes into.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	buf := new(bytes.Buffer)
	h := slog.NewTextHandler(&lockedWriter{buf: buf}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return buf, slog.New(h)
}

// ErrAttr wraps error into slog.Attr under the "error" key
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
