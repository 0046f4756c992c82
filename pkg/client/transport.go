package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Conn is one socket session.
type Conn interface {
	Send(ctx context.Context, e protocol.Event) error
	Recv(ctx context.Context) (protocol.Event, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// API is the slice of the HTTP control surface the controller calls.
type API interface {
	Snapshot(ctx context.Context, battleID string) (protocol.Battle, error)
	StartLive(ctx context.Context, battleID string) error
}

// WebSocket dials the server's /ws endpoint.
type WebSocket struct {
	URL       string
	Options   *websocket.DialOptions
	ReadLimit int64
}

func (w WebSocket) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, w.URL, w.Options)
	if err != nil {
		return nil, err
	}
	limit := w.ReadLimit
	if limit <= 0 {
		limit = 4 << 20
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, e protocol.Event) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

// Recv skips frames it cannot decode.
func (w *wsConn) Recv(ctx context.Context) (protocol.Event, error) {
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		e, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		return e, nil
	}
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// StatusError is a non-2xx answer from the control surface.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// HTTP talks to the control surface at BaseURL, e.g. "http://localhost:8080".
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

func (h HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (h HTTP) battleURL(battleID, suffix string) string {
	return strings.TrimRight(h.BaseURL, "/") + "/battles/" + url.PathEscape(battleID) + suffix
}

func (h HTTP) Snapshot(ctx context.Context, battleID string) (protocol.Battle, error) {
	var b protocol.Battle
	err := h.do(ctx, http.MethodGet, h.battleURL(battleID, ""), &b)
	return b, err
}

func (h HTTP) StartLive(ctx context.Context, battleID string) error {
	return h.do(ctx, http.MethodPost, h.battleURL(battleID, "/live/start"), nil)
}

func (h HTTP) do(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
