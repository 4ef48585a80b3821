package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
)

// AccessLog is one line of the JSON access log.
type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Location     string    `json:"location,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	BytesWritten int64     `json:"bytes_written"`
}

// accessLogFields maps field names accepted by access_log.fields to values.
var accessLogFields = map[string]func(*AccessLog) any{
	"time":          func(e *AccessLog) any { return e.Time },
	"request_id":    func(e *AccessLog) any { return e.RequestID },
	"method":        func(e *AccessLog) any { return e.Method },
	"path":          func(e *AccessLog) any { return e.Path },
	"protocol":      func(e *AccessLog) any { return e.Protocol },
	"status":        func(e *AccessLog) any { return e.Status },
	"duration_ms":   func(e *AccessLog) any { return e.Duration },
	"remote_ip":     func(e *AccessLog) any { return e.RemoteIP },
	"user_agent":    func(e *AccessLog) any { return e.UserAgent },
	"referer":       func(e *AccessLog) any { return e.Referer },
	"location":      func(e *AccessLog) any { return e.Location },
	"upstream":      func(e *AccessLog) any { return e.Upstream },
	"outcome":       func(e *AccessLog) any { return e.Outcome },
	"bytes_written": func(e *AccessLog) any { return e.BytesWritten },
}

type accessLogger struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
	sample func() float64
}

func (a *accessLogger) write(cfg config.AccessLog, entry *AccessLog) {
	if a.w == nil || !cfg.Enabled {
		return
	}
	if cfg.Sampling < 1.0 && a.sample() >= cfg.Sampling {
		return
	}

	var out any = entry
	if len(cfg.Fields) > 0 {
		m := make(map[string]any, len(cfg.Fields))
		for _, f := range cfg.Fields {
			if get, ok := accessLogFields[f]; ok {
				m[f] = get(entry)
			}
		}
		out = m
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := json.NewEncoder(a.w).Encode(out); err != nil {
		a.logger.Error("access log write failed", "error", err)
	}
}

func newAccessLogger(w io.Writer, logger *slog.Logger) *accessLogger {
	return &accessLogger{w: w, logger: logger, sample: rand.Float64}
}

func remoteIP(addr string) string {
	if ip, _, err := net.SplitHostPort(addr); err == nil {
		return ip
	}
	return addr
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
