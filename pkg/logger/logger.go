package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options задает уровень, формат и файл журнала.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a slog logger. Empty File means stdout; otherwise the file
// is rotated by lumberjack.
func New(opts Options) *slog.Logger {
	return slog.New(NewHandler(opts, nil))
}

// NewHandler строит handler; w подменяет вывод (используется в тестах).
func NewHandler(opts Options, w io.Writer) slog.Handler {
	if w == nil {
		w = output(opts)
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(w, hopts)
	}
	return slog.NewJSONHandler(w, hopts)
}

func output(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// ParseLevel переводит строку в slog.Level (по умолчанию info).
func ParseLevel(s string) slog.Level {
	level := slog.LevelInfo
	if s == "" {
		return level
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(s)); err == nil {
		level = parsed
	}
	return level
}
