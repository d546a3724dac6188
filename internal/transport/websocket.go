package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	wsPath         = "/mcp"
	wsReadLimit    = 16 << 20
	wsWriteTimeout = 10 * time.Second
)

// WebSocket serves each connection with its own Handler, so every client
// runs its own initialize handshake.
type WebSocket struct {
	newHandler func() Handler
	addr       string
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWebSocket creates a WebSocket transport listening on addr. newHandler is
// called once per connection.
func NewWebSocket(addr string, newHandler func() Handler, logger zerolog.Logger) *WebSocket {
	return &WebSocket{
		newHandler: newHandler,
		addr:       addr,
		logger:     logger.With().Str("transport", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler that upgrades requests on /mcp.
func (w *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, w.handleConn)
	return mux
}

// Serve listens until ctx is cancelled, then shuts the server down.
func (w *WebSocket) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              w.addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info().Str("addr", w.addr).Str("path", wsPath).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Errorf("websocket listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Errorf("websocket shutdown: %w", err)
		}
		return nil
	}
}

// safeConn serializes writes; gorilla allows one concurrent writer.
type safeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *safeConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) handleConn(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	sc := &safeConn{conn: conn}
	defer func() { _ = conn.Close() }()

	logger := w.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	handler := w.newHandler()
	var wg sync.WaitGroup
	defer wg.Wait()

	conn.SetReadLimit(wsReadLimit)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("connection closed unexpectedly")
			} else {
				logger.Info().Msg("client disconnected")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := handler.HandleWireMessage(logger.WithContext(ctx), data)
			if resp == nil {
				return
			}
			if err := sc.write(resp); err != nil {
				logger.Warn().Err(err).Msg("writing response")
			}
		}()
	}
}
