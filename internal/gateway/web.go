// ABOUTME: WebSocket adapter exposing the bus to a browser chat UI.
// ABOUTME: Each connection is its own channel; markdown responses render to HTML.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/2389/gorp/internal/bus"
)

// WebPlatformID is the platform ID the web adapter registers under.
const WebPlatformID = "web"

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin requests have no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	},
}

// inboundFrame is what browser clients send.
type inboundFrame struct {
	Body string `json:"body"`
}

// outboundFrame is what browser clients receive.
type outboundFrame struct {
	Type      string    `json:"type"` // chunk, complete, error, notice
	Session   string    `json:"session"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type webConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// WebAdapter serves a WebSocket endpoint at /ws. Every connection acts as
// its own bus channel: unmapped connections talk to dispatch, and !create
// binds the connection to an agent session. Responses are broadcast to all
// connected clients, with Complete payloads additionally rendered to HTML.
type WebAdapter struct {
	addr   string
	md     goldmark.Markdown
	logger *slog.Logger

	bus    *bus.MessageBus
	srv    *http.Server
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*webConn
}

// NewWebAdapter creates a web adapter listening on addr (e.g. ":8080").
func NewWebAdapter(addr string, logger *slog.Logger) *WebAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebAdapter{
		addr:   addr,
		md:     goldmark.New(),
		logger: logger.With("component", "web"),
		conns:  make(map[string]*webConn),
	}
}

func (a *WebAdapter) PlatformID() string { return WebPlatformID }

// Start subscribes to the bus and begins serving the WebSocket endpoint.
func (a *WebAdapter) Start(ctx context.Context, b *bus.MessageBus) error {
	a.bus = b

	ctx, a.cancel = context.WithCancel(ctx)
	responses := b.Subscribe(WebPlatformID)

	go a.outboundLoop(ctx, responses)

	a.srv = &http.Server{Addr: a.addr, Handler: a.Handler()}
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("web server failed", "error", err)
		}
	}()

	a.logger.Info("web adapter started", "addr", a.addr)
	return nil
}

// Handler returns the adapter's HTTP handler. Exposed for tests.
func (a *WebAdapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	return mux
}

func (a *WebAdapter) outboundLoop(ctx context.Context, responses <-chan bus.BusResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			a.broadcast(a.renderFrame(resp))
		}
	}
}

func (a *WebAdapter) renderFrame(resp bus.BusResponse) outboundFrame {
	frame := outboundFrame{
		Session:   resp.SessionName,
		Text:      resp.Content.Text,
		Timestamp: resp.Timestamp,
	}
	switch resp.Content.Kind {
	case bus.ResponseChunk:
		frame.Type = "chunk"
	case bus.ResponseComplete:
		frame.Type = "complete"
		var buf bytes.Buffer
		if err := a.md.Convert([]byte(resp.Content.Text), &buf); err == nil {
			frame.HTML = buf.String()
		}
	case bus.ResponseError:
		frame.Type = "error"
	case bus.ResponseNotice:
		frame.Type = "notice"
	}
	return frame
}

func (a *WebAdapter) broadcast(frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, wc := range a.conns {
		select {
		case wc.send <- data:
		default:
			// Client too slow, drop it.
			close(wc.send)
			delete(a.conns, id)
			a.logger.Warn("dropping slow web client", "connection", id)
		}
	}
}

func (a *WebAdapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	wc := &webConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	a.mu.Lock()
	a.conns[wc.id] = wc
	a.mu.Unlock()
	a.logger.Info("web client connected", "connection", wc.id)

	go a.writeLoop(wc)
	a.readLoop(wc)
}

func (a *WebAdapter) readLoop(wc *webConn) {
	defer a.dropConn(wc.id)

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warn("malformed web frame", "connection", wc.id, "error", err)
			continue
		}
		if strings.TrimSpace(frame.Body) == "" {
			continue
		}

		src := bus.WebSource{ConnectionID: wc.id}
		target := a.bus.ResolveTarget(src)
		a.bus.PublishInbound(bus.NewBusMessage(src, target, "web:"+wc.id[:8], frame.Body))
	}
}

func (a *WebAdapter) writeLoop(wc *webConn) {
	for data := range wc.send {
		if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = wc.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = wc.conn.Close()
}

func (a *WebAdapter) dropConn(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if wc, ok := a.conns[id]; ok {
		close(wc.send)
		delete(a.conns, id)
	}
}

// Send pushes a notice to one connection, identified by its connection ID.
func (a *WebAdapter) Send(_ context.Context, channelID, content string) error {
	frame := outboundFrame{
		Type:      "notice",
		Text:      content,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	// The send must happen under the lock: every close of wc.send takes the
	// write lock first, so a connection found here cannot be closed under us.
	a.mu.RLock()
	defer a.mu.RUnlock()

	wc, ok := a.conns[channelID]
	if !ok {
		return fmt.Errorf("no web connection %s", channelID)
	}

	select {
	case wc.send <- data:
		return nil
	default:
		return fmt.Errorf("web connection %s is backed up", channelID)
	}
}

// Stop shuts the HTTP server down and closes every client connection.
func (a *WebAdapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bus != nil {
		a.bus.Unsubscribe(WebPlatformID)
	}

	a.mu.Lock()
	for id, wc := range a.conns {
		close(wc.send)
		delete(a.conns, id)
	}
	a.mu.Unlock()

	if a.srv != nil {
		return a.srv.Shutdown(ctx)
	}
	return nil
}
