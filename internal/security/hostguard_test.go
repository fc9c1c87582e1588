package security

import (
	"net/http"
	"testing"
	"time"
)

// TestNewHostGuard はHostGuardの生成をテストする。
func TestNewHostGuard(t *testing.T) {
	guard := NewHostGuard([]string{"mangadex.org"})
	if guard == nil {
		t.Fatal("NewHostGuard() returned nil")
	}
}

// TestNewSafeClient はSSRF防止付きHTTPクライアントの生成をテストする。
func TestNewSafeClient(t *testing.T) {
	guard := NewHostGuard(nil)
	client := guard.NewSafeClient(10 * time.Second)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
}

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewHostGuard(nil)
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
}

// TestNewSafeClientHasTransport はSafeClientにカスタムTransportが設定されていることをテストする。
// safeurlはnet.DialerのControlフックでIPアドレス検証を行うため、
// Transportが標準のhttp.DefaultTransportではないことを確認する。
func TestNewSafeClientHasTransport(t *testing.T) {
	guard := NewHostGuard(nil)
	client := guard.NewSafeClient(5 * time.Second)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestValidateSourceURL_AllowedHost は許可リストに含まれるホストが通過することをテストする。
func TestValidateSourceURL_AllowedHost(t *testing.T) {
	guard := NewHostGuard([]string{"mangadex.org", "api.mangadex.org"})

	valid := []string{
		"https://mangadex.org/title/abc",
		"https://api.mangadex.org/manga?title=x",
		"http://MANGADEX.ORG/feed",
	}
	for _, u := range valid {
		if err := guard.ValidateSourceURL(u); err != nil {
			t.Errorf("ValidateSourceURL(%q) = %v, want nil", u, err)
		}
	}
}

// TestValidateSourceURL_DisallowedHost は許可リスト外のホストが拒否されることをテストする。
func TestValidateSourceURL_DisallowedHost(t *testing.T) {
	guard := NewHostGuard([]string{"mangadex.org"})

	if err := guard.ValidateSourceURL("https://evil.example.com/manga"); err == nil {
		t.Error("expected error for host outside allow list, got nil")
	}
	// サブドメインは自動では許可されない
	if err := guard.ValidateSourceURL("https://api.mangadex.org/manga"); err == nil {
		t.Error("expected error for unlisted subdomain, got nil")
	}
}

// TestValidateSourceURL_EmptyAllowList は許可リストが空の場合にホスト検証をスキップすることをテストする。
func TestValidateSourceURL_EmptyAllowList(t *testing.T) {
	guard := NewHostGuard(nil)

	if err := guard.ValidateSourceURL("https://anything.example.com/feed"); err != nil {
		t.Errorf("expected nil with empty allow list, got %v", err)
	}
}

// TestValidateSourceURL_Blocked は危険なURLが拒否されることをテストする。
func TestValidateSourceURL_Blocked(t *testing.T) {
	guard := NewHostGuard(nil)

	cases := []struct {
		name string
		url  string
	}{
		{"空URL", ""},
		{"不正なスキーム", "ftp://mangadex.org/file"},
		{"ループバックIP", "http://127.0.0.1/manga"},
		{"プライベートIP", "http://192.168.1.1/manga"},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data"},
		{"localhost", "http://localhost:8080/manga"},
		{"IPv6ループバック", "http://[::1]/manga"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := guard.ValidateSourceURL(tc.url); err == nil {
				t.Errorf("ValidateSourceURL(%q) = nil, want error", tc.url)
			}
		})
	}
}
