package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/deskcap/internal/broker"
	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/service"
)

type wsClient struct {
	id   string
	name string
	conn *websocket.Conn
	sub  *events.Subscription

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.conn.Close()
	})
}

// enqueue hands a frame to the write pump. It blocks while the pump is
// busy and returns false once the client is closed.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) readPump(ctx context.Context, dispatch broker.Dispatcher) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	clog := log.With(logging.KeyClientID, c.id)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clog.Warn("read error", logging.KeyError, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env ipc.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			clog.Warn("failed to parse envelope", logging.KeyError, err)
			continue
		}

		switch env.Type {
		case ipc.TypePing:
			if frame, err := encodeEnvelope(env.ID, ipc.TypePong, nil); err == nil {
				c.enqueue(frame)
			}
		case ipc.TypeDisconnect:
			return
		case ipc.TypeRequest:
			c.handleRequest(ctx, clog, &env, dispatch)
		default:
			if frame, err := encodeError(env.ID, "bad_request", "unexpected message type "+env.Type); err == nil {
				c.enqueue(frame)
			}
		}
	}
}

func (c *wsClient) handleRequest(ctx context.Context, clog *slog.Logger, env *ipc.Envelope, dispatch broker.Dispatcher) {
	req, err := ipc.DecodePayload[ipc.Request](env)
	if err != nil || req.Command == "" {
		if frame, err := encodeError(env.ID, "bad_request", "malformed request"); err == nil {
			c.enqueue(frame)
		}
		return
	}

	rctx := logging.NewContext(ctx, logging.WithRequest(clog, env.ID, req.Command))
	dispatch.Handle(rctx, req.Command, req.Args, func(result any, err error) {
		var frame []byte
		if err != nil {
			frame, err = encodeError(env.ID, service.ErrorCode(err), err.Error())
		} else {
			frame, err = encodeEnvelope(env.ID, ipc.TypeResponse, result)
		}
		if err != nil {
			clog.Error("encode response", logging.KeyError, err)
			frame, _ = encodeError(env.ID, "internal", err.Error())
		}
		c.enqueue(frame)
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("write error", logging.KeyClientID, c.id, logging.KeyError, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) forwardEvents() {
	for ev := range c.sub.Events() {
		wire, err := broker.WireEvent(ev)
		if err != nil {
			log.Error("drop unencodable event", logging.KeyClientID, c.id, logging.KeyError, err)
			continue
		}
		frame, err := encodeEnvelope("", ipc.TypeEvent, wire)
		if err != nil {
			continue
		}
		if !c.enqueue(frame) {
			return
		}
	}
	if c.sub.Evicted() {
		log.Warn("websocket client fell behind on events, disconnecting", logging.KeyClientID, c.id)
		c.close()
	}
}
