// Package model はドメインモデルを定義する。
package model

import (
	"log/slog"
	"time"
)

// MaxExpiresIn はトークン有効期間（秒）の上限。ブラウザのCookie有効期限上限（400日）に合わせる。
const MaxExpiresIn int64 = 400 * 24 * 60 * 60

// LoginRequest はログインリクエストのボディを表す。
// リクエスト処理中のみ存在し、そのまま永続化・キャッシュ・ログ出力してはならない。
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Valid はユーザー名とパスワードがともに空文字列でないかを返す。
// 空白のみの値も空でない値として扱い、判定は認証サービスに委ねる。
func (r LoginRequest) Valid() bool {
	return r.Username != "" && r.Password != ""
}

// LogValue はslog.LogValuerを実装する。パスワードは出力しない。
func (r LoginRequest) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", r.Username))
}

// AuthResult は認証サービスの成功レスポンスから取り出した値。
// Tokenは機密情報のためログに出力してはならない。
type AuthResult struct {
	Token string
	// ExpiresIn はトークンの有効期間（秒）。0は未指定。
	ExpiresIn int64
}

// LogValue はslog.LogValuerを実装する。トークンは出力しない。
func (a AuthResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_token", a.Token != ""),
		slog.Int64("expires_in", a.ExpiresIn),
	)
}

// ExpiresAt はnowを起点としたトークンの失効時刻を返す。
// ExpiresInが未指定の場合はfallbackを有効期間として用いる。
// 有効期間はMaxExpiresInで打ち切る。
func (a AuthResult) ExpiresAt(now time.Time, fallback time.Duration) time.Time {
	if a.ExpiresIn > 0 {
		return now.Add(time.Duration(min(a.ExpiresIn, MaxExpiresIn)) * time.Second)
	}
	return now.Add(fallback)
}

// LoginRecord はログイン台帳に追記される1件のログイン記録。
// 認証成功時にのみ作成される。
type LoginRecord struct {
	ID        string
	Username  string
	LoginTime time.Time
}

// LoginSuccessData はログイン成功時にクライアントへ返すAuthResultの射影。
// 上流のペイロードをそのまま転送しない。
type LoginSuccessData struct {
	Username  string `json:"username"`
	ExpiresAt string `json:"expires_at"`
	Token     string `json:"token,omitempty"`
}
