package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
	logLevel   = new(slog.LevelVar)
	logOut     = &swapWriter{w: os.Stdout}
)

// Logger returns the shared JSON logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		h := slog.NewJSONHandler(logOut, &slog.HandlerOptions{
			Level: logLevel,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
		logger = slog.New(h)
	})
	return logger
}

// SetLevel accepts debug, info, warn or error. Unknown values select info.
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

// SetOutput redirects the shared logger and returns a function restoring the
// previous writer.
func SetOutput(w io.Writer) (restore func()) {
	prev := logOut.swap(w)
	return func() { logOut.swap(prev) }
}

type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}
