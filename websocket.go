package ocppgate

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/dispatcher"
	"github.com/gogogo1024/ocppgate/protocol"
	"github.com/gogogo1024/ocppgate/routing"
)

// Subprotocol is the WebSocket subprotocol a charge point must offer.
const Subprotocol = "ocpp1.6"

// WSPath is the route charge points connect to; the last segment is the
// charge point identity.
const WSPath = "/ocpp/{id}"

// IdentityFactory builds the route table of a charge point that connected
// over WebSocket under id.
type IdentityFactory func(ctx context.Context, id string) (*routing.Routes, error)

type wsHandler struct {
	ctx      context.Context
	factory  IdentityFactory
	disp     *dispatcher.Dispatcher
	cfg      serveConfig
	upgrader websocket.Upgrader
}

// NewWSHandler serves OCPP-J over WebSocket on WSPath. Every message is one
// OCPP-J array in a text frame. Open connections are closed when ctx is
// cancelled; http.Server.Shutdown does not reach hijacked connections.
func NewWSHandler(ctx context.Context, factory IdentityFactory, opts ...ServeOption) (http.Handler, error) {
	if factory == nil {
		return nil, ErrNoEndpoint
	}
	cfg := newServeConfig(opts)
	h := &wsHandler{
		ctx:     ctx,
		factory: factory,
		disp: dispatcher.New(
			dispatcher.WithLogger(cfg.log),
			dispatcher.WithMetrics(cfg.metrics),
			dispatcher.WithValidator(cfg.validator),
		),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			// Charge points are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get(WSPath, h.serveHTTP)
	return r, nil
}

func (h *wsHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing charge point identity", http.StatusNotFound)
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.cfg.log.Warn("websocket upgrade", zap.String("id", id), zap.Error(err))
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(h.ctx, func() { _ = conn.Close() })
	defer stop()

	log := h.cfg.log.With(zap.String("id", id), zap.String("remote", r.RemoteAddr))
	routes, err := h.factory(h.ctx, id)
	if err != nil {
		log.Error("build route table", zap.Error(err))
		closeWS(conn, websocket.CloseInternalServerErr, "route table unavailable", h.cfg.writeTimeout)
		return
	}

	h.cfg.metrics.ConnOpened()
	defer h.cfg.metrics.ConnClosed()

	router := NewRouter(routes, h.disp)
	router.log = log
	router.limits = h.cfg.limits
	if err := serveWS(h.ctx, conn, router, h.cfg.idleTimeout, h.cfg.writeTimeout); err != nil && h.ctx.Err() == nil {
		log.Warn("conn error", zap.Error(err))
	}
}

// serveWS runs the message loop of one WebSocket connection. Like
// handleConn it returns nil when the peer goes away or stays idle.
func serveWS(ctx context.Context, conn *websocket.Conn, router *Router, idleTimeout, writeTimeout time.Duration) error {
	cc := NewConnContextWithLimits(router.limits)
	conn.SetReadLimit(cc.maxBuffer)

	for {
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				closeWS(conn, websocket.CloseMessageTooBig, "message too large", writeTimeout)
				return ErrBufferQuotaExceeded
			}
			if isTimeout(err) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil
			}
			return err
		}

		if !cc.Allow() {
			closeWS(conn, websocket.ClosePolicyViolation, "rate limit exceeded", writeTimeout)
			return ErrRateLimited
		}
		if mt != websocket.TextMessage {
			router.log.Warn("dropping non-text message", zap.Int("type", mt))
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			router.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		reply, post := router.Dispatch(ctx, msg)
		if reply != nil {
			out, err := protocol.EncodeMessage(reply)
			if err != nil {
				return err
			}
			if writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			err = conn.WriteMessage(websocket.TextMessage, out)
			_ = conn.SetWriteDeadline(time.Time{})
			if err != nil {
				return err
			}
		}
		if post != nil {
			post(ctx)
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}
