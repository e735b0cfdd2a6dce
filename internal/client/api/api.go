// Package api calls the realtime engine control endpoints on behalf of a
// dashboard toggle.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/realtime"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

const maxResponseBytes = 1 << 20

// Client is an HTTP client for the /api/realtime endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. token is sent as a Bearer token when set.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// NewFromConfig creates a client from dashboard configuration.
func NewFromConfig(cfg *config.Client) *Client {
	return New(cfg.APIBaseURL, cfg.Token, cfg.RequestTimeout)
}

// StartRealtimeEngine starts the engine; starting a running engine succeeds.
func (c *Client) StartRealtimeEngine(ctx context.Context) error {
	return c.command(ctx, realtime.PathStart, nil)
}

// ConnectExchange connects the engine to its market feed.
func (c *Client) ConnectExchange(ctx context.Context) error {
	return c.command(ctx, realtime.PathConnect, nil)
}

// GetRealtimeStatus reports the engine state.
func (c *Client) GetRealtimeStatus(ctx context.Context) (realtime.Status, error) {
	var status realtime.Status
	err := c.do(ctx, http.MethodGet, realtime.PathStatus, nil, &status)
	return status, err
}

// SubscribeKlineChannels asks the engine to forward the given kline channels.
func (c *Client) SubscribeKlineChannels(ctx context.Context, channels []string) error {
	return c.command(ctx, realtime.PathSubscribe, realtime.ChannelsRequest{Channels: channels})
}

// UnsubscribeKlineChannels stops forwarding the given kline channels.
func (c *Client) UnsubscribeKlineChannels(ctx context.Context, channels []string) error {
	return c.command(ctx, realtime.PathUnsubscribe, realtime.ChannelsRequest{Channels: channels})
}

// command posts body and requires {"success": true}.
func (c *Client) command(ctx context.Context, path string, body any) error {
	var resp realtime.SuccessResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return responseError(path, resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return messaging.NewConnectionError(method+" "+path+" failed", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return messaging.NewConnectionError("read "+path+" response", err)
	}

	if res.StatusCode != http.StatusOK {
		var failure realtime.SuccessResponse
		if json.Unmarshal(data, &failure) == nil && failure.Error != nil {
			if res.StatusCode == http.StatusBadGateway {
				return messaging.NewConnectionError(failure.Error.Message, nil)
			}
			return responseError(path, failure)
		}
		return messaging.NewConnectionError(fmt.Sprintf("%s returned HTTP %d", path, res.StatusCode), nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return messaging.NewProtocolError(messaging.CodeInvalidMessage, "invalid "+path+" response", err)
	}
	return nil
}

func responseError(path string, resp realtime.SuccessResponse) error {
	if resp.Error == nil {
		return messaging.NewSubscriptionError(messaging.CodeSubscribeRejected, path+" reported failure", nil)
	}
	code := resp.Error.Code
	if code == "" {
		code = messaging.CodeSubscribeRejected
	}
	return messaging.NewSubscriptionError(code, resp.Error.Message, nil)
}
