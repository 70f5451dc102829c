// Package automation drives a headless messaging client running in a browser
// container over a JSON websocket exchange.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/wagate/internal/orchestrator"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/google/uuid"
)

const readLimit = 16 * 1024 * 1024

var (
	ErrClosed           = errors.New("automation connection closed")
	ErrUnsupportedMedia = errors.New("no body and no supported media to send")
)

// Browsers provisions the container a client connects to.
type Browsers interface {
	EnsureBrowser(ctx context.Context, name string) (string, error)
	DeleteBrowser(ctx context.Context, name string) error
}

// Factory builds clients for session keys.
type Factory struct {
	Browsers    Browsers
	DialTimeout time.Duration
	CallTimeout time.Duration
	// URL maps a browser endpoint to the websocket URL. Defaults to
	// ws://<endpoint>/session.
	URL func(endpoint string) string
}

func (f *Factory) New(key session.Key, hooks session.Hooks) (session.Handle, error) {
	if f.Browsers == nil {
		return nil, orchestrator.ErrNoBackend
	}
	url := f.URL
	if url == nil {
		url = func(endpoint string) string { return "ws://" + endpoint + "/session" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		name:        orchestrator.BrowserName(string(key)),
		browsers:    f.Browsers,
		hooks:       hooks,
		url:         url,
		dialTimeout: orDefault(f.DialTimeout, 2*time.Minute),
		callTimeout: orDefault(f.CallTimeout, 30*time.Second),
		pending:     make(map[string]chan frame),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Client is one session's connection to its browser.
type Client struct {
	name        string
	browsers    Browsers
	hooks       session.Hooks
	url         func(string) string
	dialTimeout time.Duration
	callTimeout time.Duration

	started atomic.Bool
	closing atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
}

// Name returns the browser name backing this client.
func (c *Client) Name() string { return c.name }

func (c *Client) Initialize(ctx context.Context) error {
	c.started.Store(true)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	endpoint, err := c.browsers.EnsureBrowser(dialCtx, c.name)
	if err != nil {
		return fmt.Errorf("ensure browser %s: %w", c.name, err)
	}

	conn, _, err := websocket.Dial(dialCtx, c.url(endpoint), nil)
	if err != nil {
		return fmt.Errorf("dial browser %s: %w", c.name, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		conn.CloseNow()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	_, err = c.call(ctx, "initialize", nil)
	return err
}

func (c *Client) State(ctx context.Context) (session.RuntimeState, error) {
	if c.closed.Load() {
		return session.StateUnknown, ErrClosed
	}
	if c.currentConn() == nil {
		return "", nil
	}
	raw, err := c.call(ctx, "getState", nil)
	if err != nil {
		return session.StateUnknown, err
	}
	var res stateResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return session.StateUnknown, fmt.Errorf("decode state: %w", err)
		}
	}
	return session.RuntimeState(res.State), nil
}

func (c *Client) Opened() bool {
	return c.started.Load() && !c.closed.Load()
}

// Destroy closes the connection and removes the browser container. The
// profile volume is kept.
func (c *Client) Destroy(ctx context.Context) error {
	c.closing.Store(true)

	var errs []error
	if conn := c.currentConn(); conn != nil && !c.closed.Load() {
		if _, err := c.call(ctx, "destroy", nil); err != nil {
			errs = append(errs, err)
		}
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			log.Printf("[automation] %s: close: %v", c.name, err)
		}
	}
	c.cancel()
	c.closed.Store(true)

	if err := c.browsers.DeleteBrowser(ctx, c.name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, "logout", nil)
	return err
}

// Send delivers a text, or a document with the body as caption. Documents
// are only sent when a MIME type can be resolved for them.
func (c *Client) Send(ctx context.Context, msg session.Outgoing) error {
	chatID := msg.To
	if !strings.Contains(chatID, "@") {
		chatID += "@c.us"
	}

	if msg.Document != "" {
		mt := msg.MimeType
		if mt == "" {
			mt = mime.TypeByExtension(filepath.Ext(msg.Filename))
		}
		if mt != "" {
			_, err := c.call(ctx, "sendMedia", sendMediaParams{
				ChatID:   chatID,
				MimeType: mt,
				Data:     msg.Document,
				Filename: msg.Filename,
				Caption:  msg.Body,
			})
			return err
		}
	}
	if msg.Body == "" {
		return ErrUnsupportedMedia
	}
	_, err := c.call(ctx, "sendMessage", sendMessageParams{ChatID: chatID, Body: msg.Body})
	return err
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil || c.closed.Load() {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := conn.Write(callCtx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("automation %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != "" {
			return nil, &RemoteError{Method: method, Msg: resp.Error}
		}
		return resp.Result, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("automation %s: %w", method, callCtx.Err())
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[automation] %s: bad frame: %v", c.name, err)
			continue
		}
		if f.Event != "" {
			c.dispatch(f)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// shutdown fails every pending call and raises WindowClose unless Destroy
// started the close.
func (c *Client) shutdown(err error) {
	c.closed.Store(true)

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if c.closing.Load() {
		return
	}
	log.Printf("[automation] %s: connection lost: %v", c.name, err)
	c.hooks.WindowClose()
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case eventQR:
		c.hooks.QR(textPayload(f.Data, "qr"))
	case eventAuthenticated:
		c.hooks.Authenticated()
	case eventAuthFailure:
		c.hooks.AuthFailure(textPayload(f.Data, "reason"))
	case eventReady:
		c.hooks.Ready()
	case eventDisconnected:
		c.hooks.Disconnected(textPayload(f.Data, "reason"))
	case eventMessage:
		var msg session.Incoming
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			log.Printf("[automation] %s: bad message event: %v", c.name, err)
			return
		}
		c.hooks.Message(msg)
	default:
		log.Printf("[automation] %s: ignoring event %q", c.name, f.Event)
	}
}

var (
	_ session.Factory = (*Factory)(nil)
	_ session.Handle  = (*Client)(nil)
)
