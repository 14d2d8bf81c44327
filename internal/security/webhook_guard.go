// Package security は通知配信まわりのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuard はユーザー指定のWebhook URLに対するSSRF防止機能を定義する。
// モニター登録時の事前検証と、配信時のHTTPクライアントの両方で使用される。
type WebhookGuard interface {
	// NewSafeClient は内部ネットワーク宛ての接続をダイアル時に拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// allowedPorts はWebhook受信側として許可するポート。
var allowedPorts = []uint16{80, 443, 8080, 8443}

// blockedNetworks はWebhook送信先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16", // メタデータIPを含む
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
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

type webhookGuard struct{}

// NewWebhookGuard はWebhookGuardの新しいインスタンスを生成する。
func NewWebhookGuard() *webhookGuard {
	return &webhookGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// DNS解決後のIPアドレスをDialerのControlフックで検証するため、DNS再バインディングも防ぐ。
// リダイレクト先も同じ検証を受ける。
func (g *webhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	ports := make([]int, len(allowedPorts))
	for i, p := range allowedPorts {
		ports[i] = int(p)
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はWebhook URLを検証する。
// スキーム、ポート、ホストを確認し、IPリテラルはブロック対象CIDRと照合する。
func (g *webhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || !isAllowedPort(port) {
			return fmt.Errorf("disallowed port: %s (allowed: %v)", p, allowedPorts)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isAllowedPort(port int) bool {
	for _, allowed := range allowedPorts {
		if port == int(allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
