package handler

import (
	"net/http"
	"strings"
	"time"
)

// CookieConfig はセッションCookieの属性を保持する。
type CookieConfig struct {
	Name     string
	Domain   string
	SameSite http.SameSite
	MaxAge   int // トークンに有効期限がない場合の有効期間（秒）
}

// SameSiteFromString は設定値をhttp.SameSiteに変換する。
// "lax"以外はすべてStrictとして扱う。
func SameSiteFromString(s string) http.SameSite {
	if strings.EqualFold(strings.TrimSpace(s), "lax") {
		return http.SameSiteLaxMode
	}
	return http.SameSiteStrictMode
}

func (c CookieConfig) name() string {
	if c.Name == "" {
		return "session"
	}
	return c.Name
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.SameSite == http.SameSiteLaxMode {
		return http.SameSiteLaxMode
	}
	return http.SameSiteStrictMode
}

// sessionCookie はトークンを保持するセッションCookieを生成する。
// HttpOnlyとSecureは常に有効。ExpiresとMax-Ageの両方を設定する。
func (c CookieConfig) sessionCookie(token string, now, expiresAt time.Time) *http.Cookie {
	maxAge := int(expiresAt.Sub(now) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     c.name(),
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: c.sameSite(),
	}
}

// clearSessionCookie はセッションCookieを削除するためのCookieを生成する。
func (c CookieConfig) clearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: c.sameSite(),
	}
}
