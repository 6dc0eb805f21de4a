// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/loginproxy/internal/authclient"
	"github.com/hitoshi/loginproxy/internal/middleware"
	"github.com/hitoshi/loginproxy/internal/model"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultSessionTTL   = 3600 * time.Second
)

// AuthService はログインハンドラーが必要とする認証サービスのインターフェース。
// authclient.Clientが実装する。
type AuthService interface {
	Authenticate(ctx context.Context, username, password string) (*model.AuthResult, error)
}

// LoginRecorder はログイン成功を台帳へ記録するインターフェース。
// 呼び出しはブロックしてはならない。audit.Recorderが実装する。
type LoginRecorder interface {
	Record(username string, at time.Time) error
}

// OutcomeRecorder はログイン試行の終端状態を記録するインターフェース。
type OutcomeRecorder interface {
	RecordLoginOutcome(outcome string)
}

// LoginHandlerConfig はログインハンドラーの設定。
type LoginHandlerConfig struct {
	Cookie            CookieConfig
	ExposeTokenInBody bool  // trueかつTLS経由の場合のみレスポンスボディにトークンを含める
	MaxBodyBytes      int64 // リクエストボディの上限（デフォルト: 1MiB）
}

// LoginResponse はログイン成功・ログアウト時のレスポンスボディ。
type LoginResponse struct {
	Message string                  `json:"message"`
	Data    *model.LoginSuccessData `json:"data,omitempty"`
}

// LoginHandler はログインとログアウトのHTTPハンドラー。
// 認証結果をキャッシュせず、リクエストごとに認証サービスを呼び出す。
type LoginHandler struct {
	auth     AuthService
	recorder LoginRecorder
	metrics  OutcomeRecorder
	logger   *slog.Logger
	config   LoginHandlerConfig
	now      func() time.Time
}

// NewLoginHandler はLoginHandlerを生成する。metricsはnilでもよい。
func NewLoginHandler(
	auth AuthService,
	recorder LoginRecorder,
	metrics OutcomeRecorder,
	logger *slog.Logger,
	config LoginHandlerConfig,
) *LoginHandler {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &LoginHandler{
		auth:     auth,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// loginAttempt は1回のログイン要求の処理結果を保持する。
type loginAttempt struct {
	state  loginState
	status int
	body   any
	cookie *http.Cookie
}

func (a *loginAttempt) reject(state loginState, status int, apiErr *model.APIError) {
	a.state = state
	a.status = status
	a.body = middleware.ErrorResponseBody{Message: apiErr.Message}
}

// Login はユーザー名とパスワードを認証サービスへ転送し、成功時にセッションCookieを発行する。
// POST /login
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	attempt := h.process(r)
	h.respond(w, r, attempt)
}

// process は受信した要求を終端状態まで進める。レスポンスは書き込まない。
func (h *LoginHandler) process(r *http.Request) *loginAttempt {
	attempt := &loginAttempt{state: stateReceived}
	ctx := r.Context()
	requestID := middleware.RequestIDFromContext(ctx)

	if r.Method != http.MethodPost {
		attempt.reject(stateMethodRejected, http.StatusMethodNotAllowed, model.NewInvalidMethodError())
		return attempt
	}

	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Valid() {
		// 入力値は記録しない
		h.logger.Info("ログイン要求の検証に失敗しました",
			slog.String("request_id", requestID),
			slog.Bool("decode_error", err != nil),
		)
		attempt.reject(stateValidationRejected, http.StatusBadRequest, model.NewInvalidInputError())
		return attempt
	}

	attempt.state = stateAuthPending
	result, err := h.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		h.classifyAuthError(attempt, req, requestID, err)
		return attempt
	}

	h.accept(attempt, r, req, result)
	return attempt
}

// classifyAuthError は認証サービスのエラーを終端状態に振り分ける。
func (h *LoginHandler) classifyAuthError(attempt *loginAttempt, req model.LoginRequest, requestID string, err error) {
	var rejected *authclient.RejectedError
	var transport *authclient.TransportError

	switch {
	case errors.As(err, &rejected):
		h.logger.Info("認証サービスがログインを拒否しました",
			slog.String("request_id", requestID),
			slog.Any("login", req),
			slog.Int("upstream_status", rejected.StatusCode),
		)
		attempt.reject(stateAuthRejected, mirrorUpstreamStatus(rejected.StatusCode), model.NewAuthFailedError())
	case errors.Is(err, authclient.ErrMalformedResponse):
		h.logger.Error("認証サービスのレスポンスを解釈できません",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		attempt.reject(stateAuthMalformed, http.StatusInternalServerError, model.NewInternalError())
	case errors.As(err, &transport):
		h.logger.Error("認証サービスの呼び出しに失敗しました",
			slog.String("request_id", requestID),
			slog.Bool("timeout", transport.Timeout()),
			slog.String("error", err.Error()),
		)
		attempt.reject(stateAuthTransportError, http.StatusInternalServerError, model.NewInternalError())
	default:
		h.logger.Error("認証処理で予期しないエラーが発生しました",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		attempt.reject(stateAuthTransportError, http.StatusInternalServerError, model.NewInternalError())
	}
}

// accept は認証成功時にCookieを用意し、ログイン記録を非同期に台帳へ送る。
func (h *LoginHandler) accept(attempt *loginAttempt, r *http.Request, req model.LoginRequest, result *model.AuthResult) {
	now := h.now()
	fallback := defaultSessionTTL
	if h.config.Cookie.MaxAge > 0 {
		fallback = time.Duration(h.config.Cookie.MaxAge) * time.Second
	}
	expiresAt := result.ExpiresAt(now, fallback)

	if err := h.recorder.Record(req.Username, now); err != nil {
		// 台帳への記録失敗はレスポンスに影響させない
		h.logger.Warn("ログイン記録をキューに積めませんでした",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	data := &model.LoginSuccessData{
		Username:  req.Username,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}
	if h.config.ExposeTokenInBody && r.TLS != nil {
		data.Token = result.Token
	}

	attempt.state = stateAuthAccepted
	attempt.status = http.StatusOK
	attempt.cookie = h.config.Cookie.sessionCookie(result.Token, now, expiresAt)
	attempt.body = LoginResponse{Message: "Login successful", Data: data}

	h.logger.Info("ログインに成功しました",
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.Any("login", req),
		slog.Any("auth", result),
	)
}

// respond は終端状態のレスポンスを1回だけ書き込む。
func (h *LoginHandler) respond(w http.ResponseWriter, r *http.Request, attempt *loginAttempt) {
	if !attempt.state.terminal() {
		h.logger.Error("終端状態に到達していないログイン要求です",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("state", attempt.state.String()),
		)
		attempt.reject(stateAuthTransportError, http.StatusInternalServerError, model.NewInternalError())
	}

	if h.metrics != nil {
		h.metrics.RecordLoginOutcome(attempt.state.String())
	}
	if attempt.state == stateMethodRejected {
		w.Header().Set("Allow", http.MethodPost)
	}
	if attempt.cookie != nil {
		http.SetCookie(w, attempt.cookie)
	}
	middleware.WriteJSON(w, attempt.status, attempt.body)
}

// Logout はセッションCookieを削除する。
// POST /logout
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, model.NewInvalidMethodError())
		return
	}

	http.SetCookie(w, h.config.Cookie.clearSessionCookie())
	middleware.WriteJSON(w, http.StatusOK, LoginResponse{Message: "Logout successful"})
}

// mirrorUpstreamStatus は認証サービスの拒否ステータスをクライアントへ返すステータスに変換する。
// 4xxと5xxはそのまま返し、それ以外は401とする。
func mirrorUpstreamStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusUnauthorized
}
