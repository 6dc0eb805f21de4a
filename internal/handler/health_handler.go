package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/loginproxy/internal/middleware"
)

// HealthChecker は依存先の疎通確認を行うインターフェース。
// *sql.DB と repository.RedisLoginRepo が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewHealthHandler はログイン台帳の疎通を確認するヘルスチェックハンドラーを返す。
// checkerがnilの場合は常に200を返す。
// GET /health
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := checker.PingContext(ctx); err != nil {
				logger.Error("ヘルスチェックに失敗しました",
					slog.String("error", err.Error()),
				)
				middleware.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
