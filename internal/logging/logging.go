// Package logging holds the process-wide zap logger and the HTTP request
// logging used by the object storage API.
package logging

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination of the global logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

var global atomic.Pointer[zap.Logger]

// Init builds the global logger from cfg. Unknown levels fall back to info.
func Init(cfg Config) error {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// Replace swaps the global logger, e.g. for zap.NewNop in tests.
func Replace(logger *zap.Logger) {
	global.Store(logger)
}

// Sync flushes buffered entries of the global logger.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger, building a production one on first use.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Provider fields attached to every adapter log line.
func Provider(platform, bucket string) []zap.Field {
	return []zap.Field{zap.String("platform", platform), zap.String("bucket", bucket)}
}

// ─── Request scope ──────────────────────────────────────────────────────────

type requestScope struct {
	id     string
	logger *zap.Logger
}

type scopeKey struct{}

// WithContext returns the request logger stored by Middleware, or the
// global logger outside a request.
func WithContext(ctx context.Context) *zap.Logger {
	if rs, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		return rs.logger
	}
	return L()
}

// GetRequestID returns the id Middleware assigned to the request in ctx.
func GetRequestID(ctx context.Context) string {
	if rs, ok := ctx.Value(scopeKey{}).(*requestScope); ok {
		return rs.id
	}
	return ""
}

var (
	bootStamp = strconv.FormatInt(time.Now().Unix(), 36)
	requestN  atomic.Uint64
)

// nextRequestID is unique per process: a start stamp plus a counter.
func nextRequestID() string {
	return bootStamp + "-" + strconv.FormatUint(requestN.Add(1), 36)
}

// statusWriter records what the handler sent. Flush is passed through so
// event streams keep working behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware tags each request with an id, taken from X-Request-ID when the
// client sent one, and logs its outcome. Server errors log at error level,
// client errors at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = nextRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		rs := &requestScope{id: id, logger: L().With(zap.String("request_id", id))}
		r = r.WithContext(context.WithValue(r.Context(), scopeKey{}, rs))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("bytes", sw.written),
			zap.Duration("duration", time.Since(start)),
		}
		if p := r.URL.Query().Get("path"); p != "" {
			fields = append(fields, zap.String("object", p))
		}
		switch {
		case sw.status >= http.StatusInternalServerError:
			rs.logger.Error("request failed", fields...)
		case sw.status >= http.StatusBadRequest:
			rs.logger.Warn("request rejected", fields...)
		default:
			rs.logger.Info("request served", fields...)
		}
	})
}
