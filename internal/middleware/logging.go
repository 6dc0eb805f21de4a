package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewLoggingMiddleware はリクエスト単位のアクセスログを出力するミドルウェアを返す。
// 出力するのはmethod、path、status、bytes、duration_ms、remote_ip、request_idのみで、
// ボディ・クエリ文字列・Cookie・Authorizationヘッダーは出力しない。
// ログレベルは5xxでERROR、4xxでWARN、それ以外はINFO。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_ip", clientIP(r)),
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}

			logger.LogAttrs(r.Context(), accessLogLevel(rec.statusCode), "http_request", attrs...)
		})
	}
}

func accessLogLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
