package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// defaultPingPeriod must be less than pongWait.
	defaultPingPeriod = (pongWait * 9) / 10
)

// BookHandler is called for every book frame, snapshot or update.
type BookHandler func(msg *BookMessage)

// WSClient is a single-connection WebSocket client for the sequenced market
// data feed. It does not reconnect on its own: Listen returns when the
// connection drops and the caller decides when to dial again.
type WSClient struct {
	wsURL      string
	pingPeriod time.Duration

	mu     sync.Mutex // guards conn writes
	conn   *websocket.Conn
	closed bool

	handlerMu      sync.RWMutex
	bookHandlers   []BookHandler
	updateHandlers []BookHandler
}

// NewWSClient creates a new WebSocket client for the given WebSocket URL.
// A zero pingPeriod uses the default.
func NewWSClient(wsURL string, pingPeriod time.Duration) *WSClient {
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = defaultPingPeriod
	}
	return &WSClient{
		wsURL:      wsURL,
		pingPeriod: pingPeriod,
	}
}

// Connect establishes the WebSocket connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w.conn = conn
	return nil
}

// Subscribe asks for book snapshots and updates for assetIDs. Subscribing to
// an asset that is already subscribed makes the server send a fresh snapshot.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	return w.send(WSCommand{Type: "market", Assets: assetIDs})
}

// OnBook registers a handler for full snapshots.
func (w *WSClient) OnBook(h BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, h)
}

// OnUpdate registers a handler for sequenced level deltas.
func (w *WSClient) OnUpdate(h BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.updateHandlers = append(w.updateHandlers, h)
}

// Listen reads frames and dispatches them until the connection fails or ctx
// is cancelled. It always returns a non-nil error.
func (w *WSClient) Listen(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go w.pingLoop(conn, pingDone)

	// Unblock ReadMessage when the caller goes away.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
		}
		w.handleMessage(message)
	}
}

// Close shuts down the WebSocket connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.conn != nil {
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (w *WSClient) send(cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal command: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: write: %w", err)
	}
	return nil
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame, which may carry one event or an array of
// events, and routes each to the registered handlers.
func (w *WSClient) handleMessage(raw []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		batch = []json.RawMessage{raw}
	}

	for _, item := range batch {
		var msg BookMessage
		if err := json.Unmarshal(item, &msg); err != nil || msg.Token() == "" {
			continue // Silently drop unparseable or foreign messages.
		}

		w.handlerMu.RLock()
		var handlers []BookHandler
		switch msg.EventType {
		case EventBook:
			handlers = w.bookHandlers
		case EventUpdate:
			handlers = w.updateHandlers
		}
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(&msg)
		}
	}
}
