package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"
	"github.com/gorilla/websocket"

	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 32 << 20
)

// WebSocketHandler serves MCP over WebSocket: each text frame carries one
// JSON-RPC request and is answered in order on the same connection.
type WebSocketHandler struct {
	handler        RequestHandler
	metrics        *metrics.Metrics
	logger         logging.Logger
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

func NewWebSocketHandler(handler RequestHandler, m *metrics.Metrics, logger logging.Logger, maxMessageSize int64) *WebSocketHandler {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &WebSocketHandler{
		handler:        handler,
		metrics:        m,
		logger:         logger.WithComponent("websocket"),
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// HandleUpgrade handles GET /ws.
func (h *WebSocketHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.metrics.WebSocketOpened()
	defer h.metrics.WebSocketClosed()

	h.logger.InfoContext(r.Context(), "websocket client connected", "remote", r.RemoteAddr)
	h.serve(r.Context(), conn)
	h.logger.InfoContext(r.Context(), "websocket client disconnected", "remote", r.RemoteAddr)
}

func (h *WebSocketHandler) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(h.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.keepAlive(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "websocket read failed", "error", err)
			}
			return
		}

		var req protocol.JSONRPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if h.write(conn, parseError(err)) != nil {
				return
			}
			continue
		}

		reqCtx := logging.WithTraceID(ctx, logging.GenerateTraceID())
		resp := h.handler.HandleRequest(reqCtx, &req)
		if resp == nil {
			continue
		}
		if err := h.write(conn, resp); err != nil {
			h.logger.WarnContext(reqCtx, "websocket write failed", "error", err)
			return
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, resp *protocol.JSONRPCResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(resp)
}

// keepAlive pings until ctx ends. WriteControl may run concurrently with
// the read loop's writes.
func (h *WebSocketHandler) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
