// Package broker serves the command protocol on a local socket (a named
// pipe on Windows) and pushes events to connected clients.
package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
	"github.com/breeze-rmm/deskcap/internal/service"
)

var log = logging.L("broker")

const (
	// HandshakeTimeout is the deadline for completing hello after connecting.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout disconnects clients that send nothing, not even pings,
	// for this long.
	IdleTimeout = 10 * time.Minute

	// IdleCheckInterval is how often idle clients are reaped.
	IdleCheckInterval = time.Minute

	// RateLimitAttempts is max connection attempts per peer per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// EventBuffer is the per-client event queue length.
	EventBuffer = events.DefaultBuffer
)

// Dispatcher runs commands. service.Service implements it.
type Dispatcher interface {
	Handle(ctx context.Context, command string, args json.RawMessage, reply service.ReplyFunc)
}

// Options configure a Broker.
type Options struct {
	SocketPath string
	MaxClients int
	Version    string
}

// Broker accepts local clients.
type Broker struct {
	opts        Options
	dispatch    Dispatcher
	hub         *events.Hub
	rateLimiter *ipc.RateLimiter

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client
	closed   bool
	ready    chan struct{}
}

func New(opts Options, dispatch Dispatcher, hub *events.Hub) *Broker {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}
	return &Broker{
		opts:        opts,
		dispatch:    dispatch,
		hub:         hub,
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		clients:     make(map[string]*Client),
		ready:       make(chan struct{}),
	}
}

// Listen serves until ctx is cancelled.
func (b *Broker) Listen(ctx context.Context) error {
	ln, err := b.setupSocket()
	if err != nil {
		return fmt.Errorf("broker: setup socket: %w", err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, b.opts.MaxClients)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ln.Close()
		return ErrBrokerClosed
	}
	b.listener = ln
	b.mu.Unlock()
	close(b.ready)

	log.Info("broker listening", "addr", ln.Addr().String(), "maxClients", b.opts.MaxClients)

	go b.idleReaper(ctx)
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}
		go b.handleConnection(ctx, conn)
	}
}

// Ready is closed once the listener is accepting.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Addr returns the listening address, or nil before Serve.
func (b *Broker) Addr() net.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Close disconnects every client and stops listening.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	ln := b.listener
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if ln != nil {
		ln.Close()
	}
	if runtime.GOOS != "windows" && b.opts.SocketPath != "" {
		os.Remove(b.opts.SocketPath)
	}
	log.Info("broker closed")
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Clients returns a summary of connected clients.
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ClientInfo, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c.Info())
	}
	return out
}

func (b *Broker) handleConnection(ctx context.Context, rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	// Step 1: peer credentials, where the platform has them.
	identity := "local"
	pid := 0
	creds, err := ipc.GetPeerCredentials(rawConn)
	switch {
	case err == nil:
		if !creds.SameUser() {
			log.Warn("rejecting peer", "uid", creds.UID, "pid", creds.PID, logging.KeyError, ErrPeerRejected)
			rawConn.Close()
			return
		}
		identity = creds.IdentityKey()
		pid = creds.PID
	case errors.Is(err, ipc.ErrPeerUnsupported):
	default:
		log.Warn("peer credential check failed", logging.KeyError, err)
		rawConn.Close()
		return
	}

	// Step 2: rate limit per identity.
	if !b.rateLimiter.Allow(identity) {
		log.Warn("rejecting peer", "identity", identity, "pid", pid, logging.KeyError, ErrRateLimited)
		rawConn.Close()
		return
	}

	// Step 3: hello handshake.
	conn := ipc.NewConn(rawConn)
	hello, helloID, err := readHello(conn)
	if err != nil {
		log.Warn("handshake failed", "identity", identity, logging.KeyError, err)
		if errors.Is(err, ErrProtocolVersion) {
			conn.SendTyped(helloID, ipc.TypeHelloOK, ipc.HelloOK{Accepted: false, Reason: err.Error()})
		}
		conn.Close()
		return
	}

	key, err := ipc.GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", logging.KeyError, err)
		conn.Close()
		return
	}
	clientID := uuid.NewString()
	if err := conn.SendTyped(helloID, ipc.TypeHelloOK, ipc.HelloOK{
		Accepted:   true,
		SessionKey: hex.EncodeToString(key),
		ClientID:   clientID,
		Version:    b.opts.Version,
	}); err != nil {
		log.Warn("failed to send hello_ok", logging.KeyError, err)
		conn.Close()
		return
	}
	conn.SetSessionKey(key)
	clear(key)
	rawConn.SetDeadline(time.Time{})

	// Step 4: register and serve.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := newClient(conn, clientID, hello, b.hub.Subscribe(EventBuffer, hello.Subscribe...))
	if !b.register(c) {
		c.Close()
		return
	}
	metrics.ClientsConnected.WithLabelValues("ipc").Inc()
	log.Info("client connected", logging.KeyClientID, clientID, "client", hello.Client, "pid", pid, "identity", identity)

	go c.forwardEvents()
	c.recvLoop(cctx, b.dispatch)

	c.Close()
	b.remove(c)
	metrics.ClientsConnected.WithLabelValues("ipc").Dec()
	log.Info("client disconnected", logging.KeyClientID, clientID)
}

func readHello(conn *ipc.Conn) (ipc.Hello, string, error) {
	env, err := conn.Recv()
	if err != nil {
		return ipc.Hello{}, "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if env.Type != ipc.TypeHello {
		return ipc.Hello{}, env.ID, fmt.Errorf("%w: expected hello, got %q", ErrHandshake, env.Type)
	}
	hello, err := ipc.DecodePayload[ipc.Hello](env)
	if err != nil {
		return ipc.Hello{}, env.ID, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hello.ProtocolVersion != ipc.ProtocolVersion {
		return hello, env.ID, fmt.Errorf("%w: %d", ErrProtocolVersion, hello.ProtocolVersion)
	}
	return hello, env.ID, nil
}

func (b *Broker) register(c *Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c.ID] = c
	return true
}

func (b *Broker) remove(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c.ID)
}

func (b *Broker) idleReaper(ctx context.Context) {
	ticker := time.NewTicker(IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reapIdleClients()
			b.rateLimiter.Prune()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) reapIdleClients() {
	b.mu.RLock()
	var idle []*Client
	for _, c := range b.clients {
		if c.IdleDuration() > IdleTimeout {
			idle = append(idle, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range idle {
		log.Info("disconnecting idle client", logging.KeyClientID, c.ID, "idle", c.IdleDuration())
		c.Close()
	}
}

// WireEvent converts a hub event into its protocol form.
func WireEvent(ev events.Event) (ipc.Event, error) {
	out := ipc.Event{Name: ev.Name, Session: ev.Session}
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return out, fmt.Errorf("marshal %s event: %w", ev.Name, err)
		}
		out.Data = data
	}
	return out, nil
}
