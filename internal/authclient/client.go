// Package authclient は外部認証サービスのクライアントを提供する。
// 資格情報の検証を毎回認証サービスへ委譲し、結果をキャッシュしない。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/loginproxy/internal/model"
)

const (
	// loginPath は認証サービスのログインエンドポイントのパス。
	loginPath = "/api/login"
	// maxResponseSize は成功レスポンスとして読み取る最大バイト数。
	maxResponseSize = 1 << 20
	// maxDrainSize は拒否レスポンスのボディを読み捨てる最大バイト数。
	maxDrainSize = 4 << 10
	userAgent    = "loginproxy/1.0"
)

// ErrMalformedResponse は認証サービスの成功レスポンスを解釈できないことを表す。
var ErrMalformedResponse = errors.New("malformed authentication service response")

// TransportError は認証サービスへの呼び出しが完了しなかったことを表す。
// ネットワークエラーとタイムアウトを含む。
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "authentication service request failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout はタイムアウトによる失敗かを返す。
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// RejectedError は認証サービスが2xx以外のステータスを返したことを表す。
// レスポンスボディは保持しない。
type RejectedError struct {
	StatusCode int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("authentication service rejected the request with status %d", e.StatusCode)
}

// LatencyRecorder は認証サービス呼び出しのレイテンシを記録する。
type LatencyRecorder interface {
	RecordUpstreamLatency(d time.Duration)
}

// Config はClientの設定。
type Config struct {
	BaseURL string        // 例: https://auth.example.com
	Timeout time.Duration // 1回の呼び出しの上限時間
}

// Client は認証サービスのクライアント。
// 内部のhttp.Clientは並行利用可能で、リクエスト間で共有される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	latency    LatencyRecorder
	endpoint   string
	timeout    time.Duration
}

// NewClient はClientの新しいインスタンスを生成する。
// latencyはnilでもよい。
func NewClient(httpClient *http.Client, config Config, logger *slog.Logger, latency LatencyRecorder) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		latency:    latency,
		endpoint:   strings.TrimRight(config.BaseURL, "/") + loginPath,
		timeout:    timeout,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Authenticate はユーザー名とパスワードを認証サービスに送信し、結果を返す。
// 呼び出しはtimeoutで打ち切られる。リトライは行わない。
//
// 戻り値のエラーは以下のいずれか:
//   - *TransportError: 呼び出しが完了しなかった
//   - *RejectedError: 2xx以外のステータス
//   - ErrMalformedResponse: 2xxだがボディを解釈できない、またはtokenが空
func (c *Client) Authenticate(ctx context.Context, username, password string) (*model.AuthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(credentials{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create authentication request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.latency != nil {
		c.latency.RecordUpstreamLatency(time.Since(start))
	}
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 接続を再利用するためにボディを読み捨てる。内容は記録しない。
		drained, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))
		c.logger.Debug("認証サービスがリクエストを拒否しました",
			slog.Int("http_status", resp.StatusCode),
			slog.Int64("body_bytes", drained),
		)
		return nil, &RejectedError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, maxResponseSize)
	}

	var decoded authResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.Token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrMalformedResponse)
	}

	expiresIn, ok := parseExpiresIn(decoded.ExpiresIn)
	if !ok {
		c.logger.Debug("expires_inを解釈できないため無視します",
			slog.Int("raw_bytes", len(decoded.ExpiresIn)),
		)
	}

	return &model.AuthResult{Token: decoded.Token, ExpiresIn: expiresIn}, nil
}

// authResponse は認証サービスの成功レスポンスのうち参照するフィールド。
// それ以外のフィールドは読み捨てる。
type authResponse struct {
	Token     string          `json:"token"`
	ExpiresIn json.RawMessage `json:"expires_in"`
}

// parseExpiresIn はexpires_inを秒数として解釈する。
// 数値と数値文字列を受け付け、小数は切り捨て、上限はmodel.MaxExpiresIn。
// 未指定・null・0以下は0を返す。解釈できない値は0とfalseを返す。
func parseExpiresIn(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(seconds) {
		return 0, false
	}

	switch {
	case seconds <= 0:
		return 0, true
	case seconds >= float64(model.MaxExpiresIn):
		return model.MaxExpiresIn, true
	default:
		return int64(seconds), true
	}
}
