package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/dto"
	"github.com/cuongbtq/gemmie-chat/internal/api/router"
)

// adminClient calls the admin routes of the api-service
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *adminClient) CancelPending(ctx context.Context) (*dto.CancelPendingResponse, error) {
	var resp dto.CancelPendingResponse
	if err := c.post(ctx, "/api/v1/gemmie/cancel-pending", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) CleanupOrphans(ctx context.Context) (*dto.CleanupOrphansResponse, error) {
	var resp dto.CleanupOrphansResponse
	if err := c.post(ctx, "/api/v1/gemmie/cleanup-orphans", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) post(ctx context.Context, path string, out interface{}) error {
	if c.token == "" {
		return fmt.Errorf("admin token is required (--token or GEMMIE_ADMIN_TOKEN)")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(router.AdminTokenHeader, c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
