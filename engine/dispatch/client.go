// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// SecretHeader authenticates inter-instance requests. The legacy peer sends
// and checks the same header.
const SecretHeader = "X-Cluster-Secret"

// Request is the inter-instance dispatch request body.
type Request struct {
	ChannelID string         `json:"channelId"`
	RawData   string         `json:"rawData"`
	SourceMap map[string]any `json:"sourceMap,omitempty"`
}

// Result is the inter-instance dispatch response body.
type Result struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// ClientConfig holds dispatch client configuration.
type ClientConfig struct {
	Timeout time.Duration `help:"timeout for a remote dispatch call" default:"30s"`
}

// Client posts raw messages to a peer's internal dispatch endpoint.
type Client struct {
	http   *http.Client
	secret string
}

// NewClient creates a dispatch client authenticating with the shared
// cluster secret.
func NewClient(secret string, config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		secret: secret,
	}
}

// Dispatch posts the request to the peer and returns the assigned message
// id and source status. Network failures and non-2xx statuses surface as
// errors; the caller's retry policy decides what happens next.
func (client *Client) Dispatch(ctx context.Context, peerBaseURL string, request Request) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	url := strings.TrimSuffix(peerBaseURL, "/") + "/api/internal/dispatch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, client.secret)

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &failure)
		if failure.Error == "" {
			failure.Error = strings.TrimSpace(string(data))
		}
		return nil, Error.New("peer %s returned %d: %s", peerBaseURL, resp.StatusCode, failure.Error)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Error.Wrap(err)
	}
	return &result, nil
}
