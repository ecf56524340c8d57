// Package client talks to a bookd server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for the server at base, e.g. http://localhost:8080.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) RegisterResource(ctx context.Context, typ, identifier string) (models.Resource, error) {
	var out models.Resource
	err := c.do(ctx, http.MethodPost, "/resource", map[string]string{"type": typ, "identifier": identifier}, &out)
	return out, err
}

func (c *Client) GetResource(ctx context.Context, identifier string) (models.Resource, error) {
	var out models.Resource
	err := c.do(ctx, http.MethodGet, "/resource/"+url.PathEscape(identifier), nil, &out)
	return out, err
}

func (c *Client) ListResources(ctx context.Context) ([]models.Resource, error) {
	var out []models.Resource
	err := c.do(ctx, http.MethodGet, "/resource/all", nil, &out)
	return out, err
}

func (c *Client) CreateBooking(ctx context.Context, req models.BookingRequest) (models.Booking, error) {
	var out models.Booking
	err := c.do(ctx, http.MethodPost, "/booking", req, &out)
	return out, err
}

func (c *Client) GetBooking(ctx context.Context, id int64) (models.Booking, error) {
	var out models.Booking
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/booking/%d", id), nil, &out)
	return out, err
}

func (c *Client) ListBookings(ctx context.Context) ([]models.Booking, error) {
	var out []models.Booking
	err := c.do(ctx, http.MethodGet, "/booking/all", nil, &out)
	return out, err
}

type actionReply struct {
	Message string         `json:"message"`
	Booking models.Booking `json:"booking"`
}

func (c *Client) Cancel(ctx context.Context, id int64) (models.Booking, error) {
	var out actionReply
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/booking/%d/cancel", id), nil, &out)
	return out.Booking, err
}

func (c *Client) Finish(ctx context.Context, id int64) (models.Booking, error) {
	var out actionReply
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/booking/%d/finish", id), nil, &out)
	return out.Booking, err
}

// Wait blocks on the server until booking id leaves WAITING or ctx is
// done. Giving up closes the connection; the booking keeps whatever the
// server has already done to it.
func (c *Client) Wait(ctx context.Context, id int64) (models.WaitResult, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return models.WaitResult{}, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/booking/%d/wait", id)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return models.WaitResult{}, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return models.WaitResult{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var res models.WaitResult
	if err := conn.ReadJSON(&res); err != nil {
		if ctx.Err() != nil {
			return models.WaitResult{}, ctx.Err()
		}
		return models.WaitResult{}, fmt.Errorf("wait for booking %d: %w", id, err)
	}
	return res, nil
}
