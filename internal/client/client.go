// Package client is the dialing side of the daemon's IPC protocol, used by
// the CLI subcommands and by embedding applications.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/retry"
)

var log = logging.L("client")

var (
	ErrClosed   = errors.New("client: connection closed")
	ErrRejected = errors.New("client: daemon rejected hello")
)

const (
	defaultPingInterval = 30 * time.Second
	defaultEventBuffer  = 256
	handshakeTimeout    = 5 * time.Second
)

// RemoteError is an error reported by the daemon in a response envelope.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

type Options struct {
	SocketPath string
	Name       string
	// Subscribe limits pushed events; empty means all.
	Subscribe    []string
	EventBuffer  int
	PingInterval time.Duration
}

// Client holds one authenticated connection to the daemon.
type Client struct {
	conn     *ipc.Conn
	clientID string
	version  string
	ping     time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope
	reqSeq    atomic.Uint64

	events    chan ipc.Event
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the daemon and completes the hello handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	raw, err := dialIPC(ctx, opts.SocketPath)
	if err != nil {
		return nil, err
	}
	return newClient(raw, opts)
}

// DialRetry is Dial with backoff, for callers that may race the daemon's
// startup. A rejected hello is not retried.
func DialRetry(ctx context.Context, opts Options, cfg retry.Config) (*Client, error) {
	var c *Client
	err := retry.Do(ctx, cfg, "dial", func(ctx context.Context) error {
		var err error
		c, err = Dial(ctx, opts)
		if errors.Is(err, ErrRejected) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(raw net.Conn, opts Options) (*Client, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Name == "" {
		opts.Name = "deskcap-client"
	}

	c := &Client{
		conn:    ipc.NewConn(raw),
		ping:    opts.PingInterval,
		pending: make(map[string]chan *ipc.Envelope),
		events:  make(chan ipc.Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	if err := c.hello(opts); err != nil {
		c.conn.Close()
		return nil, err
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) hello(opts Options) error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	if err := c.conn.SendTyped("hello", ipc.TypeHello, ipc.Hello{
		ProtocolVersion: ipc.ProtocolVersion,
		Client:          opts.Name,
		PID:             os.Getpid(),
		Subscribe:       opts.Subscribe,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	env, err := c.conn.Recv()
	if err != nil {
		return fmt.Errorf("recv hello_ok: %w", err)
	}
	if env.Type != ipc.TypeHelloOK {
		return fmt.Errorf("expected hello_ok, got %s", env.Type)
	}
	ok, err := ipc.DecodePayload[ipc.HelloOK](env)
	if err != nil {
		return err
	}
	if !ok.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, ok.Reason)
	}

	key, err := hex.DecodeString(ok.SessionKey)
	if err != nil {
		return fmt.Errorf("decode session key: %w", err)
	}
	c.conn.SetSessionKey(key)
	clear(key)
	c.clientID = ok.ClientID
	c.version = ok.Version
	return nil
}

// ClientID is the id the daemon assigned during hello.
func (c *Client) ClientID() string { return c.clientID }

// DaemonVersion is the version the daemon reported during hello.
func (c *Client) DaemonVersion() string { return c.version }

// Events delivers pushed events. It is closed when the connection ends.
func (c *Client) Events() <-chan ipc.Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open or after
// a clean Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Call runs command on the daemon and decodes the result into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, command string, args, out any) error {
	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", command, err)
		}
		rawArgs = data
	}

	id := "req-" + strconv.FormatUint(c.reqSeq.Add(1), 10)
	ch := c.registerPendingResponse(id)

	select {
	case <-c.done:
		c.unregisterPendingResponse(id)
		return ErrClosed
	default:
	}

	if err := c.conn.SendTyped(id, ipc.TypeRequest, ipc.Request{Command: command, Args: rawArgs}); err != nil {
		c.unregisterPendingResponse(id)
		return fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case env, ok := <-ch:
		if !ok || env == nil {
			return ErrClosed
		}
		if env.Error != "" || env.Code != "" {
			return &RemoteError{Code: env.Code, Message: env.Error}
		}
		if out == nil || len(env.Payload) == 0 || string(env.Payload) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return fmt.Errorf("decode %s result: %w", command, err)
		}
		return nil
	case <-ctx.Done():
		c.unregisterPendingResponse(id)
		return ctx.Err()
	}
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.conn.SendTyped("disconnect", ipc.TypeDisconnect, nil)
	c.finish(nil)
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) recvLoop() {
	defer close(c.events)
	defer c.closePendingResponses()

	for {
		// A read deadline doubles as the keepalive timer.
		c.conn.SetReadDeadline(time.Now().Add(c.ping))

		env, err := c.conn.Recv()
		if err != nil {
			if isTimeout(err) {
				if pingErr := c.conn.SendTyped("ping", ipc.TypePing, nil); pingErr != nil {
					c.finish(fmt.Errorf("keepalive ping failed: %w", pingErr))
					return
				}
				continue
			}
			select {
			case <-c.done:
				c.finish(nil)
			default:
				c.finish(fmt.Errorf("recv: %w", err))
			}
			return
		}

		switch env.Type {
		case ipc.TypePong:
		case ipc.TypePing:
			c.conn.SendTyped(env.ID, ipc.TypePong, nil)
		case ipc.TypeResponse:
			if !c.resolvePendingResponse(env) {
				log.Debug("unsolicited response", "id", env.ID)
			}
		case ipc.TypeEvent:
			ev, err := ipc.DecodePayload[ipc.Event](env)
			if err != nil {
				log.Warn("bad event payload", logging.KeyError, err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				log.Warn("event buffer full, dropping", "event", ev.Name)
			}
		case ipc.TypeDisconnect:
			c.finish(nil)
			return
		default:
			log.Warn("unknown message type", "type", env.Type)
		}
	}
}

func (c *Client) registerPendingResponse(id string) chan *ipc.Envelope {
	ch := make(chan *ipc.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregisterPendingResponse(id string) {
	c.pendingMu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Client) resolvePendingResponse(env *ipc.Envelope) bool {
	c.pendingMu.Lock()
	ch := c.pending[env.ID]
	if ch != nil {
		delete(c.pending, env.ID)
	}
	c.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- env
	close(ch)
	return true
}

func (c *Client) closePendingResponses() {
	c.pendingMu.Lock()
	chans := make([]chan *ipc.Envelope, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.pendingMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
