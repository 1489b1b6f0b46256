package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sudooom.im.sync/internal/model"
)

// APIError 同步接口返回的业务错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync api: status=%d code=%d message=%s", e.Status, e.Code, e.Message)
}

// HTTPSyncClient 调用 /api/v1/sync 与 /api/v1/sync/ack
type HTTPSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Sync 从服务端已提交的游标开始拉取一页
func (c *HTTPSyncClient) Sync(ctx context.Context, deviceID string, limit int) (*model.SyncResult, error) {
	q := url.Values{}
	q.Set("deviceId", deviceID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var result model.SyncResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Commit 提交本页的 syncTimestamp
func (c *HTTPSyncClient) Commit(ctx context.Context, deviceID string, ts time.Time) error {
	body := map[string]any{"deviceId": deviceID, "syncTimestamp": ts}
	return c.do(ctx, http.MethodPost, "/api/v1/sync/ack", body, nil)
}

func (c *HTTPSyncClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	target := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
