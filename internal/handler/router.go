package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/loginproxy/internal/middleware"
)

// MetricsCollector はルーターが利用するメトリクス記録のインターフェース。
type MetricsCollector interface {
	middleware.HTTPStatusRecorder
	OutcomeRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           MetricsCollector // nilの場合はステータスを記録しない
	HSTS              bool

	// ハンドラー
	LoginHandler  *LoginHandler
	HealthChecker HealthChecker
}

// NewRouter はエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → Metrics → SecurityHeaders → CORS → RateLimit(/loginのみ)
//
// /loginと/logoutはメソッドを問わずハンドラーへ渡し、ハンドラー自身が405を返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusNotFound, middleware.ErrorResponseBody{Message: "Not Found"})
	})

	login := http.HandlerFunc(deps.LoginHandler.Login)
	if deps.RateLimiter != nil {
		r.With(deps.RateLimiter.LoginMiddleware()).Handle("/login", login)
	} else {
		r.Handle("/login", login)
	}
	r.HandleFunc("/logout", deps.LoginHandler.Logout)
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))

	return r
}
