package playtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig holds configuration for the access log.
type AccessLogConfig struct {
	// Path is the file path for the access log.
	// Empty string disables access logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 1
	MaxBackups int
}

// AccessLogger writes one line per HTTP request, and one per story socket
// when it is upgraded, to a rotating file.
type AccessLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewAccessLogger creates an access logger writing to config.Path.
// If the path is empty, it returns nil (access logging disabled).
func NewAccessLogger(config AccessLogConfig) *AccessLogger {
	if config.Path == "" {
		return nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 1
	}

	return newAccessLogger(&lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    maxSize, // megabytes
		MaxBackups: maxBackups,
	})
}

func newAccessLogger(w io.WriteCloser) *AccessLogger {
	return &AccessLogger{writer: w}
}

// Close closes the access logger.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// AccessEntry is a single access log entry.
type AccessEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string

	// Event classifies the request: story_socket, story_list, story_get,
	// not_found or request.
	Event string
}

// Write appends an entry to the log.
// Format: timestamp client_ip "method path" status bytes duration_ms "user-agent" event
func (a *AccessLogger) Write(entry AccessEntry) {
	if a == nil || a.writer == nil {
		return
	}

	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		entry.Path,
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.Event,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write([]byte(line))
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Middleware logs every request served by next. Story sockets are logged
// when the upgrade completes, not when the socket closes.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &accessLogResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		wrapped.onHijack = func() {
			a.Write(a.entry(r, start, http.StatusSwitchingProtocols, 0))
		}

		next.ServeHTTP(wrapped, r)

		if wrapped.hijacked {
			return
		}
		a.Write(a.entry(r, start, wrapped.statusCode, wrapped.bytesWritten))
	})
}

func (a *AccessLogger) entry(r *http.Request, start time.Time, status int, n int64) AccessEntry {
	return AccessEntry{
		Timestamp:    start,
		ClientIP:     clientIP(r),
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   status,
		BytesWritten: n,
		Duration:     time.Since(start),
		UserAgent:    r.UserAgent(),
		Event:        eventType(r.URL.Path, status),
	}
}

// eventType classifies a request by route and outcome.
func eventType(path string, status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case strings.HasPrefix(path, "/ws/story/"):
		return "story_socket"
	case path == "/api/story/list":
		return "story_list"
	case strings.HasPrefix(path, "/api/story/"):
		return "story_get"
	default:
		return "request"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// accessLogResponseWriter wraps http.ResponseWriter to capture status code and bytes written.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
	hijacked     bool
	onHijack     func()
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
		if w.onHijack != nil {
			w.onHijack()
		}
	}
	return conn, rw, err
}

// Unwrap returns the underlying ResponseWriter for interface detection.
func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
