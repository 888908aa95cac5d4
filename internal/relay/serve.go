package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"ordertrack/internal/protocol"
)

const sseKeepAlive = 25 * time.Second

// ServeWS upgrades the request to a WebSocket and runs the connection until
// either side closes it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	c := h.register(transportWS)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		c.WritePump(ctx, conn)
	}()

	h.readLoop(ctx, c, conn)

	h.unregister(c)
	<-pumpDone
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *Client, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug("read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			h.reject(c, protocol.CodeMalformed, errors.New("binary frames are not supported"))
			continue
		}
		h.handle(c, data)
	}
}

// ServeSSE streams location_updated events for one order as Server-Sent
// Events. The stream joins the room as a viewer.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	orderID, err := protocol.ValidateOrderID(r.PathValue("orderId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := h.register(transportSSE)
	defer h.unregister(c)
	h.join(c, protocol.JoinRoom{OrderID: orderID, Role: protocol.RoleViewer})

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					writeSSE(w, msg)
				default:
					flusher.Flush()
					return
				}
			}
		case msg := <-c.send:
			writeSSE(w, msg)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", env.Event)
	fmt.Fprintf(w, "data: %s\n\n", env.Data)
}
