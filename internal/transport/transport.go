// Package transport performs the authenticated JSON HTTP calls to the sync
// server. It is deliberately thin: no retry, no backoff — just marshal,
// send, and classify the response.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/oversqlite/internal/model"
)

// Client performs the two sync HTTP calls against a single base URL.
type Client struct {
	BaseURL      string
	UploadPath   string
	DownloadPath string
	HTTP         *http.Client
	// AuthorizeRequest, if set, is called on every outgoing request to attach
	// credentials (e.g. a bearer token). Token acquisition itself is outside
	// oversqlite's scope.
	AuthorizeRequest func(*http.Request)
}

// New returns a Client with a sane default *http.Client timeout.
func New(baseURL, uploadPath, downloadPath string) *Client {
	return &Client{
		BaseURL:      baseURL,
		UploadPath:   uploadPath,
		DownloadPath: downloadPath,
		HTTP:         &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload posts a batch of changes and returns the server's verdicts.
func (c *Client) Upload(ctx context.Context, req *model.UploadRequest) (*model.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upload request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.UploadPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.AuthorizeRequest != nil {
		c.AuthorizeRequest(httpReq)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.UploadHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var out model.UploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

// DownloadParams are the query parameters of GET /sync/download.
type DownloadParams struct {
	Schema      string
	After       int64
	Limit       int
	IncludeSelf bool
	Until       int64
}

// Download fetches one page of server changes.
func (c *Client) Download(ctx context.Context, p DownloadParams) (*model.DownloadResponse, error) {
	url := fmt.Sprintf("%s%s?schema=%s&after=%d&limit=%d", c.BaseURL, c.DownloadPath, p.Schema, p.After, p.Limit)
	if p.IncludeSelf {
		url += "&include_self=true"
	}
	if p.Until > 0 {
		url += fmt.Sprintf("&until=%d", p.Until)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	if c.AuthorizeRequest != nil {
		c.AuthorizeRequest(httpReq)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send download request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.DownloadHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var out model.DownloadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode download response: %w", err)
	}
	return &out, nil
}
