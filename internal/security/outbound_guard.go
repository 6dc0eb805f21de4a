// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundConfig は認証サービスへの外向き通信の設定。
type OutboundConfig struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	// RestrictPublic がtrueの場合、プライベートIP・ループバック・リンクローカル宛の
	// 接続をsafeurlでブロックする。許可ポートは443（AllowInsecure時は80も）のみ。
	RestrictPublic bool
	// AllowInsecure がtrueの場合、http://のURLを許可する。開発・テスト用。
	AllowInsecure bool
}

// blockedNetworks はRestrictPublic時にブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// OutboundGuard は認証サービスURLの検証と、接続プール付きHTTPクライアントの生成を行う。
type OutboundGuard struct {
	config OutboundConfig
}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard(config OutboundConfig) *OutboundGuard {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = 100
	}
	return &OutboundGuard{config: config}
}

// NewClient は並行利用可能なHTTPクライアントを生成する。
// クライアントはリクエスト間で共有し、keep-aliveで接続を再利用する。
// 全体のタイムアウトはhttp.Client.Timeoutで上限を設ける。
func (g *OutboundGuard) NewClient() *http.Client {
	if g.config.RestrictPublic {
		return g.newSafeClient()
	}

	dialer := &net.Dialer{
		Timeout:   g.config.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
	}
	g.applyPoolSettings(transport)

	return &http.Client{
		Timeout:       g.config.Timeout,
		Transport:     transport,
		CheckRedirect: noRedirect,
	}
}

// newSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
// 接続プールとTLS設定は通常のクライアントと揃える。
func (g *OutboundGuard) newSafeClient() *http.Client {
	schemes := []string{"https"}
	ports := []int{443}
	if g.config.AllowInsecure {
		schemes = append(schemes, "http")
		ports = append(ports, 80)
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(g.config.Timeout).
		SetAllowedSchemes(schemes...).
		SetAllowedPorts(ports...).
		SetTlsConfig(newTLSConfig()).
		SetCheckRedirect(noRedirect).
		Build()

	client := safeurl.Client(config).Client
	if transport, ok := client.Transport.(*http.Transport); ok {
		g.applyPoolSettings(transport)
	}
	return client
}

// applyPoolSettings はkeep-alive接続プールとタイムアウトをtransportに設定する。
func (g *OutboundGuard) applyPoolSettings(transport *http.Transport) {
	transport.ForceAttemptHTTP2 = true
	transport.MaxIdleConns = g.config.MaxIdleConnsPerHost
	transport.MaxIdleConnsPerHost = g.config.MaxIdleConnsPerHost
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = g.config.Timeout
	transport.ResponseHeaderTimeout = g.config.Timeout
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = newTLSConfig()
	}
}

func newTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// noRedirect は認証サービスのリダイレクトに追従しない（資格情報を別ホストへ再送しないため）。
func noRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// ValidateURL は認証サービスURLを起動時に静的検証する。
// https以外のスキーム（AllowInsecure時を除く）、空ホスト、URL内の認証情報を拒否する。
// RestrictPublic時はプライベートIPとlocalhostも拒否する。
func (g *OutboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && g.config.AllowInsecure:
	default:
		return fmt.Errorf("disallowed scheme: %q (authentication service must use https)", parsed.Scheme)
	}

	if parsed.User != nil {
		return fmt.Errorf("credentials must not be embedded in the authentication service URL")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL")
	}

	if !g.config.RestrictPublic {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
