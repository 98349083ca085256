package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/service"
)

// Client is one connected, handshaken peer.
type Client struct {
	ID          string
	Name        string
	PID         int
	ConnectedAt time.Time

	conn      *ipc.Conn
	sub       *events.Subscription
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

// ClientInfo is a serializable summary of a client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PID         int       `json:"pid,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

func newClient(conn *ipc.Conn, id string, hello ipc.Hello, sub *events.Subscription) *Client {
	now := time.Now()
	return &Client{
		ID:          id,
		Name:        hello.Client,
		PID:         hello.PID,
		ConnectedAt: now,
		conn:        conn,
		sub:         sub,
		lastSeen:    now,
	}
}

func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:          c.ID,
		Name:        c.Name,
		PID:         c.PID,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.lastSeen,
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// IdleDuration returns how long since the client last sent anything.
func (c *Client) IdleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// Close drops the event subscription and the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.sub.Close()
		c.conn.Close()
	})
}

// recvLoop reads requests until the connection ends. ctx is cancelled when
// it returns, which aborts this client's in-flight slow commands.
func (c *Client) recvLoop(ctx context.Context, dispatch Dispatcher) {
	clog := log.With(logging.KeyClientID, c.ID)
	for {
		env, err := c.conn.Recv()
		if err != nil {
			clog.Debug("client recv loop ended", logging.KeyError, err)
			return
		}
		c.touch()

		switch env.Type {
		case ipc.TypePing:
			c.conn.SendTyped(env.ID, ipc.TypePong, nil)
		case ipc.TypeDisconnect:
			clog.Info("client disconnecting")
			return
		case ipc.TypeRequest:
			c.handleRequest(ctx, clog, env, dispatch)
		default:
			clog.Warn("unexpected message type", "type", env.Type)
			c.conn.SendError(env.ID, ipc.TypeResponse, "bad_request", "unexpected message type "+env.Type)
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, clog *slog.Logger, env *ipc.Envelope, dispatch Dispatcher) {
	req, err := ipc.DecodePayload[ipc.Request](env)
	if err != nil || req.Command == "" {
		c.conn.SendError(env.ID, ipc.TypeResponse, "bad_request", "malformed request")
		return
	}

	rctx := logging.NewContext(ctx, logging.WithRequest(clog, env.ID, req.Command))
	dispatch.Handle(rctx, req.Command, req.Args, func(result any, err error) {
		if err != nil {
			if sendErr := c.conn.SendError(env.ID, ipc.TypeResponse, service.ErrorCode(err), err.Error()); sendErr != nil {
				clog.Debug("send error response", logging.KeyError, sendErr)
			}
			return
		}
		if sendErr := c.conn.SendTyped(env.ID, ipc.TypeResponse, result); sendErr != nil {
			clog.Debug("send response", logging.KeyError, sendErr)
		}
	})
}

// forwardEvents pushes subscribed events until the subscription ends. An
// evicted client has lost events it cannot recover, so it is disconnected.
func (c *Client) forwardEvents() {
	for ev := range c.sub.Events() {
		wire, err := WireEvent(ev)
		if err != nil {
			log.Error("drop unencodable event", logging.KeyClientID, c.ID, logging.KeyError, err)
			continue
		}
		if err := c.conn.SendTyped("", ipc.TypeEvent, wire); err != nil {
			log.Debug("event send failed", logging.KeyClientID, c.ID, logging.KeyError, err)
			c.Close()
			return
		}
	}
	if c.sub.Evicted() {
		log.Warn("client fell behind on events, disconnecting", logging.KeyClientID, c.ID)
		c.Close()
	}
}
