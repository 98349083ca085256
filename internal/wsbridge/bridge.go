// Package wsbridge exposes the command protocol over a loopback websocket
// for renderers that cannot open a unix socket or named pipe. Frames are
// the same JSON envelopes the broker uses, unsigned.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/deskcap/internal/broker"
	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

var log = logging.L("wsbridge")

var ErrNotLoopback = errors.New("wsbridge: listen address must be loopback")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	helloWait      = 5 * time.Second
	maxMessageSize = ipc.MaxMessageSize
	sendBuffer     = 256
)

// Options configure a Bridge.
type Options struct {
	Addr       string
	MaxClients int
	Version    string
}

// Bridge serves websocket clients on a loopback address.
type Bridge struct {
	opts     Options
	dispatch broker.Dispatcher
	hub      *events.Hub
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
	server  *http.Server
}

func New(opts Options, dispatch broker.Dispatcher, hub *events.Hub) *Bridge {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}
	b := &Bridge{
		opts:     opts,
		dispatch: dispatch,
		hub:      hub,
		clients:  make(map[string]*wsClient),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     checkOrigin,
	}
	return b
}

// CheckLoopback rejects addresses that are not bound to a loopback host.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("wsbridge: parse %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

// checkOrigin admits non-browser clients and pages served from loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "file", "app":
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAndServe binds opts.Addr and serves until ctx is cancelled.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	if err := CheckLoopback(b.opts.Addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsbridge: listen %s: %w", b.opts.Addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts websocket upgrades on ln until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, b.opts.MaxClients)
	mux := http.NewServeMux()
	mux.Handle("/ws", b)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	b.mu.Lock()
	b.server = srv
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	log.Info("websocket bridge listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wsbridge: serve: %w", err)
	}
	return nil
}

// Close stops the server and disconnects every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	srv := b.server
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of handshaken clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	hello, helloID, err := readHello(conn)
	if err != nil {
		log.Warn("handshake failed", "remote", r.RemoteAddr, logging.KeyError, err)
		if errors.Is(err, broker.ErrProtocolVersion) {
			writeEnvelope(conn, helloID, ipc.TypeHelloOK, ipc.HelloOK{Accepted: false, Reason: err.Error()})
		}
		conn.Close()
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		name: hello.Client,
		conn: conn,
		sub:  b.hub.Subscribe(broker.EventBuffer, hello.Subscribe...),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if err := writeEnvelope(conn, helloID, ipc.TypeHelloOK, ipc.HelloOK{
		Accepted: true,
		ClientID: c.id,
		Version:  b.opts.Version,
	}); err != nil {
		c.close()
		return
	}

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	metrics.ClientsConnected.WithLabelValues("ws").Inc()
	log.Info("websocket client connected", logging.KeyClientID, c.id, "client", c.name, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	go c.writePump()
	go c.forwardEvents()
	c.readPump(ctx, b.dispatch)
	cancel()
	c.close()

	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	metrics.ClientsConnected.WithLabelValues("ws").Dec()
	log.Info("websocket client disconnected", logging.KeyClientID, c.id)
}

func readHello(conn *websocket.Conn) (ipc.Hello, string, error) {
	conn.SetReadDeadline(time.Now().Add(helloWait))
	defer conn.SetReadDeadline(time.Time{})

	var env ipc.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return ipc.Hello{}, "", fmt.Errorf("%w: %v", broker.ErrHandshake, err)
	}
	if env.Type != ipc.TypeHello {
		return ipc.Hello{}, env.ID, fmt.Errorf("%w: expected hello, got %q", broker.ErrHandshake, env.Type)
	}
	hello, err := ipc.DecodePayload[ipc.Hello](&env)
	if err != nil {
		return hello, env.ID, fmt.Errorf("%w: %v", broker.ErrHandshake, err)
	}
	if hello.ProtocolVersion != ipc.ProtocolVersion {
		return hello, env.ID, fmt.Errorf("%w: %d", broker.ErrProtocolVersion, hello.ProtocolVersion)
	}
	return hello, env.ID, nil
}

func writeEnvelope(conn *websocket.Conn, id, msgType string, payload any) error {
	data, err := encodeEnvelope(id, msgType, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func encodeEnvelope(id, msgType string, payload any) ([]byte, error) {
	env := ipc.Envelope{ID: id, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wsbridge: marshal payload: %w", err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func encodeError(id, code, msg string) ([]byte, error) {
	return json.Marshal(ipc.Envelope{ID: id, Type: ipc.TypeResponse, Code: code, Error: msg})
}

