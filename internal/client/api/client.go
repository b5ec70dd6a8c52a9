// Package api is the client of the stateless room API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/listenroom/server/internal/protocol"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *slog.Logger
}

// New returns a client for the server at baseURL authenticating with token.
// A nil hc gets a client with a 10 second timeout.
func New(baseURL, token string, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      hc,
		logger:  logger,
	}
}

func (c *Client) roomPath(code string, parts ...string) string {
	p := "/rooms/" + url.PathEscape(code)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request: %w", ErrFatal, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.DebugContext(ctx, "api request", "method", method, "path", path)
	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody protocol.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			errBody.Error.Message = http.StatusText(resp.StatusCode)
		}
		return &Error{
			Status:  resp.StatusCode,
			Code:    errBody.Error.Code,
			Message: errBody.Error.Message,
		}
	}

	if dst == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrTransient, err)
	}

	return nil
}

type CreateRoomParams struct {
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	Secret string `json:"secret,omitempty"`
	Theme  string `json:"theme,omitempty"`
}

func (c *Client) CreateRoom(ctx context.Context, params *CreateRoomParams) (protocol.Room, error) {
	var rm protocol.Room
	err := c.do(ctx, http.MethodPost, "/rooms", params, &rm)
	return rm, err
}

func (c *Client) GetRoom(ctx context.Context, code string) (protocol.Room, error) {
	var rm protocol.Room
	err := c.do(ctx, http.MethodGet, c.roomPath(code), nil, &rm)
	return rm, err
}

func (c *Client) Join(ctx context.Context, code, secret string) (protocol.Room, error) {
	var rm protocol.Room
	err := c.do(ctx, http.MethodPost, c.roomPath(code, "join"), map[string]string{"secret": secret}, &rm)
	return rm, err
}

func (c *Client) Leave(ctx context.Context, code string) (protocol.LeaveResult, error) {
	var res protocol.LeaveResult
	err := c.do(ctx, http.MethodPost, c.roomPath(code, "leave"), nil, &res)
	return res, err
}

func (c *Client) SetPlayback(ctx context.Context, code string, snap protocol.Snapshot) (protocol.Room, error) {
	var rm protocol.Room
	err := c.do(ctx, http.MethodPut, c.roomPath(code, "playback"), snap.Clone(), &rm)
	return rm, err
}

func (c *Client) Evict(ctx context.Context, code, target string) (protocol.EvictResultPayload, error) {
	var res protocol.EvictResultPayload
	err := c.do(ctx, http.MethodPost, c.roomPath(code, "evict"), map[string]string{"target_user_identity": target}, &res)
	return res, err
}

func (c *Client) DeleteRoom(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, c.roomPath(code), nil, nil)
}

// ChannelURL is the push channel endpoint matching baseURL.
func (c *Client) ChannelURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v1/ws"
}
