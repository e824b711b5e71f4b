package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type feishuServer struct {
	*httptest.Server
	tokenCalls atomic.Int32
	sent       chan map[string]string
}

func newFeishuServer(t *testing.T) *feishuServer {
	t.Helper()
	fs := &feishuServer{sent: make(chan map[string]string, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		fs.tokenCalls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["app_id"] != "cli_1" || body["app_secret"] != "secret" {
			w.Write([]byte(`{"code":10014,"msg":"app secret invalid"}`))
			return
		}
		w.Write([]byte(`{"code":0,"msg":"ok","tenant_access_token":"t-abc","expire":7200}`))
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":99991663,"msg":"invalid token"}`))
			return
		}
		if r.URL.Query().Get("receive_id_type") != "open_id" {
			t.Errorf("receive_id_type = %q", r.URL.Query().Get("receive_id_type"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		fs.sent <- body
		w.Write([]byte(`{"code":0,"msg":"success"}`))
	})
	mux.HandleFunc("/open-apis/im/v1/messages/om_1/resources/img_1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "image" {
			t.Errorf("type = %q, want image", r.URL.Query().Get("type"))
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	})
	mux.HandleFunc("/open-apis/im/v1/messages/om_1/resources/img_big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes.Repeat([]byte{0xff}, MaxImageSize+1))
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func TestFeishuSend(t *testing.T) {
	fs := newFeishuServer(t)
	c := NewFeishuClient(FeishuConfig{AppID: "cli_1", AppSecret: "secret", BaseURL: fs.URL})

	if err := c.Send(context.Background(), "ou_1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	body := <-fs.sent
	if body["receive_id"] != "ou_1" || body["msg_type"] != "text" {
		t.Errorf("body = %v", body)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(body["content"]), &content); err != nil || content["text"] != "hello" {
		t.Errorf("content = %q (%v)", body["content"], err)
	}
}

func TestFeishuTokenCached(t *testing.T) {
	fs := newFeishuServer(t)
	c := NewFeishuClient(FeishuConfig{AppID: "cli_1", AppSecret: "secret", BaseURL: fs.URL})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for range 3 {
		if err := c.Send(context.Background(), "ou_1", "hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		<-fs.sent
	}
	if n := fs.tokenCalls.Load(); n != 1 {
		t.Errorf("token fetched %d times, want 1", n)
	}

	now = now.Add(2 * time.Hour)
	if err := c.Send(context.Background(), "ou_1", "hi"); err != nil {
		t.Fatalf("Send after expiry: %v", err)
	}
	<-fs.sent
	if n := fs.tokenCalls.Load(); n != 2 {
		t.Errorf("token fetched %d times after expiry, want 2", n)
	}
}

func TestFeishuBadCredentials(t *testing.T) {
	fs := newFeishuServer(t)
	c := NewFeishuClient(FeishuConfig{AppID: "cli_1", AppSecret: "wrong", BaseURL: fs.URL})

	err := c.Send(context.Background(), "ou_1", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 10014 {
		t.Fatalf("error = %v, want APIError code 10014", err)
	}
}

func TestFeishuNotConfigured(t *testing.T) {
	c := NewFeishuClient(FeishuConfig{})
	if err := c.Send(context.Background(), "ou_1", "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestFeishuFetchImage(t *testing.T) {
	fs := newFeishuServer(t)
	c := NewFeishuClient(FeishuConfig{AppID: "cli_1", AppSecret: "secret", BaseURL: fs.URL})

	data, mime, err := c.FetchImage(context.Background(), "om_1", "img_1")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if mime != "image/png" || len(data) == 0 {
		t.Errorf("got %d bytes of %q", len(data), mime)
	}

	_, _, err = c.FetchImage(context.Background(), "om_1", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}

func TestFeishuFetchImageTooLarge(t *testing.T) {
	fs := newFeishuServer(t)
	c := NewFeishuClient(FeishuConfig{AppID: "cli_1", AppSecret: "secret", BaseURL: fs.URL})

	data, _, err := c.FetchImage(context.Background(), "om_1", "img_big")
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("FetchImage = %d bytes, %v; want ErrImageTooLarge", len(data), err)
	}
}

func TestReadImageLimit(t *testing.T) {
	data, err := readImage(bytes.NewReader(make([]byte, MaxImageSize)))
	if err != nil || len(data) != MaxImageSize {
		t.Errorf("image at the limit = %d bytes, %v", len(data), err)
	}
	if _, err := readImage(bytes.NewReader(make([]byte, MaxImageSize+1))); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("image over the limit: err = %v, want ErrImageTooLarge", err)
	}
}

func TestFeishuTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	c := NewFeishuClient(FeishuConfig{AppID: "a", AppSecret: "b", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err := c.Send(context.Background(), "ou_1", "hi"); err == nil {
		t.Fatal("expected timeout error")
	}
}
