package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/loginproxy/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type fakeLatencyRecorder struct {
	mu    sync.Mutex
	count int
}

func (f *fakeLatencyRecorder) RecordUpstreamLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func newTestClient(t *testing.T, server *httptest.Server, buf *bytes.Buffer, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(server.Client(), Config{BaseURL: server.URL, Timeout: timeout}, newTestLogger(buf), nil)
}

func TestClient_Authenticate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/login" {
			t.Errorf("パス = %s, want /api/login", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストボディのデコードに失敗: %v", err)
		}
		if body["username"] != "alice" || body["password"] != "secret" {
			t.Errorf("body = %v, want alice/secret", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc123","expires_in":900,"user_id":"u-1","internal":"debug-info"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	recorder := &fakeLatencyRecorder{}
	c := NewClient(server.Client(), Config{BaseURL: server.URL + "/", Timeout: time.Second}, newTestLogger(&buf), recorder)

	result, err := c.Authenticate(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate がエラーを返した: %v", err)
	}
	if result.Token != "abc123" {
		t.Errorf("Token = %q, want %q", result.Token, "abc123")
	}
	if result.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", result.ExpiresIn)
	}
	if recorder.count != 1 {
		t.Errorf("レイテンシ記録回数 = %d, want 1", recorder.count)
	}
	if strings.Contains(buf.String(), "secret") || strings.Contains(buf.String(), "abc123") {
		t.Errorf("ログに機密値が含まれている: %s", buf.String())
	}
}

func TestClient_Authenticate_Rejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"user alice locked in shard db-7"}`))
			}))
			defer server.Close()

			var buf bytes.Buffer
			c := newTestClient(t, server, &buf, time.Second)

			_, err := c.Authenticate(context.Background(), "alice", "wrong")
			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("error = %v, want *RejectedError", err)
			}
			if rejected.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", rejected.StatusCode, status)
			}
			if strings.Contains(err.Error(), "db-7") {
				t.Errorf("エラーに上流のボディが含まれている: %v", err)
			}
			if strings.Contains(buf.String(), "db-7") {
				t.Errorf("ログに上流のボディが含まれている: %s", buf.String())
			}
		})
	}
}

func TestClient_Authenticate_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"JSONでない", "<html>oops</html>"},
		{"tokenなし", `{"user_id":"u-1"}`},
		{"tokenが空", `{"token":""}`},
		{"null", `null`},
		{"型不一致", `{"token":123}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var buf bytes.Buffer
			c := newTestClient(t, server, &buf, time.Second)

			_, err := c.Authenticate(context.Background(), "alice", "secret")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestClient_Authenticate_OversizedResponseIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"`))
		w.Write(bytes.Repeat([]byte("a"), maxResponseSize))
		w.Write([]byte(`"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := newTestClient(t, server, &buf, 5*time.Second)

	_, err := c.Authenticate(context.Background(), "alice", "secret")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}
}

// TestClient_Authenticate_OptionalFieldsAreLenient はtoken以外のフィールドの型や値が
// 想定と異なってもログインを失敗させないことを検証する。
func TestClient_Authenticate_OptionalFieldsAreLenient(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantExpiresIn int64
	}{
		{"user_idが数値", `{"token":"abc123","user_id":42}`, 0},
		{"expires_inが文字列", `{"token":"abc123","expires_in":"3600"}`, 3600},
		{"expires_inが小数", `{"token":"abc123","expires_in":3600.5}`, 3600},
		{"expires_inがnull", `{"token":"abc123","expires_in":null}`, 0},
		{"expires_inが解釈不能", `{"token":"abc123","expires_in":"soon"}`, 0},
		{"expires_inが真偽値", `{"token":"abc123","expires_in":true}`, 0},
		{"expires_inが負数", `{"token":"abc123","expires_in":-5}`, 0},
		{"expires_inが巨大", `{"token":"abc123","expires_in":10000000000}`, model.MaxExpiresIn},
		{"expires_inが巨大な文字列", `{"token":"abc123","expires_in":"9223372036854775807"}`, model.MaxExpiresIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var buf bytes.Buffer
			c := newTestClient(t, server, &buf, time.Second)

			result, err := c.Authenticate(context.Background(), "alice", "secret")
			if err != nil {
				t.Fatalf("Authenticate がエラーを返した: %v", err)
			}
			if result.Token != "abc123" {
				t.Errorf("Token = %q, want %q", result.Token, "abc123")
			}
			if result.ExpiresIn != tt.wantExpiresIn {
				t.Errorf("ExpiresIn = %d, want %d", result.ExpiresIn, tt.wantExpiresIn)
			}
		})
	}
}

// TestClient_Authenticate_Timeout は上流が応答しない場合にタイムアウトで打ち切られることを検証する。
func TestClient_Authenticate_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	var buf bytes.Buffer
	c := newTestClient(t, server, &buf, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Authenticate(context.Background(), "alice", "secret")
	elapsed := time.Since(start)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !transportErr.Timeout() {
		t.Errorf("Timeout() = false, want true (err=%v)", transportErr)
	}
	if elapsed > 2*time.Second {
		t.Errorf("タイムアウトまでの時間が長すぎる: %v", elapsed)
	}
}

func TestClient_Authenticate_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, Config{BaseURL: url, Timeout: time.Second}, newTestLogger(&buf), nil)

	_, err := c.Authenticate(context.Background(), "alice", "secret")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("エラーにパスワードが含まれている: %v", err)
	}
}

// TestClient_Authenticate_NoCaching は同一ユーザーの並行ログインがそれぞれ上流を呼び出すことを検証する。
func TestClient_Authenticate_NoCaching(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"token":"abc123"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := newTestClient(t, server, &buf, time.Second)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Authenticate(context.Background(), "alice", "secret"); err != nil {
				t.Errorf("Authenticate がエラーを返した: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != n {
		t.Errorf("上流呼び出し回数 = %d, want %d", got, n)
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &TransportError{Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should see the wrapped error")
	}
	if !err.Timeout() {
		t.Error("Timeout() = false, want true")
	}
}
