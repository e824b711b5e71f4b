package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultFeishuBaseURL = "https://open.feishu.cn"

	// tokenSlack refreshes the tenant token this long before it expires.
	tokenSlack = 5 * time.Minute
)

type FeishuConfig struct {
	AppID     string
	AppSecret string
	BaseURL   string
	Timeout   time.Duration
}

// FeishuClient sends messages through the Feishu (Lark) open API as an
// internal app. The tenant access token is cached until shortly before
// it expires.
type FeishuClient struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client
	now       func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewFeishuClient(cfg FeishuConfig) *FeishuClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFeishuBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &FeishuClient{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		now:       time.Now,
	}
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tokenResponse struct {
	feishuResponse
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

func (c *FeishuClient) tenantToken(ctx context.Context) (string, error) {
	if c.appID == "" || c.appSecret == "" {
		return "", fmt.Errorf("feishu: %w", ErrNotConfigured)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/open-apis/auth/v3/tenant_access_token/internal", "", body, &resp); err != nil {
		return "", fmt.Errorf("fetching tenant token: %w", err)
	}
	if resp.TenantAccessToken == "" {
		return "", fmt.Errorf("fetching tenant token: empty token in response")
	}

	c.token = resp.TenantAccessToken
	c.expires = c.now().Add(time.Duration(resp.Expire)*time.Second - tokenSlack)
	slog.Debug("feishu tenant token refreshed", "expires_in", resp.Expire)
	return c.token, nil
}

// Send posts a text message to the user identified by open_id.
func (c *FeishuClient) Send(ctx context.Context, openID, text string) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	body, _ := json.Marshal(map[string]string{
		"receive_id": openID,
		"msg_type":   "text",
		"content":    string(content),
	})
	var resp feishuResponse
	if err := c.do(ctx, http.MethodPost, "/open-apis/im/v1/messages?receive_id_type=open_id", token, body, &resp); err != nil {
		return fmt.Errorf("sending feishu message: %w", err)
	}
	return nil
}

// FetchImage downloads an image resource attached to a message.
func (c *FeishuClient) FetchImage(ctx context.Context, messageID, imageKey string) ([]byte, string, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, "", err
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/resources/%s?type=image",
		url.PathEscape(messageID), url.PathEscape(imageKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching feishu image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", &APIError{Platform: Feishu, Status: resp.StatusCode, Message: string(msg)}
	}
	data, err := readImage(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading feishu image: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// do sends a JSON request and decodes the JSON envelope into out. A
// non-zero code in the envelope is an error.
func (c *FeishuClient) do(ctx context.Context, method, path, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env feishuResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Platform: Feishu, Status: resp.StatusCode, Message: string(raw)}
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 || resp.StatusCode != http.StatusOK {
		return &APIError{Platform: Feishu, Status: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
