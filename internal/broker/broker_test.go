//go:build !windows

package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/service"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	commands  []string
	cancelled chan struct{}
}

func (d *fakeDispatcher) Handle(ctx context.Context, command string, args json.RawMessage, reply service.ReplyFunc) {
	d.mu.Lock()
	d.commands = append(d.commands, command)
	d.mu.Unlock()

	switch command {
	case "echo":
		reply(args, nil)
	case "fail":
		reply(nil, service.ErrUnknownCommand)
	case "block":
		go func() {
			<-ctx.Done()
			close(d.cancelled)
			reply(nil, ctx.Err())
		}()
	default:
		reply(map[string]string{"command": command}, nil)
	}
}

func startBroker(t *testing.T, d Dispatcher) (*Broker, *events.Hub, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dcb")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "d.sock")

	hub := events.NewHub()
	b := New(Options{SocketPath: path, MaxClients: 4, Version: "test"}, d, hub)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	select {
	case <-b.Ready():
	case err := <-errCh:
		t.Fatalf("listen: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not become ready")
	}
	return b, hub, path
}

func dial(t *testing.T, path string) *ipc.Conn {
	t.Helper()
	raw, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	raw.SetDeadline(time.Now().Add(5 * time.Second))
	conn := ipc.NewConn(raw)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, path string, subscribe ...string) (*ipc.Conn, ipc.HelloOK) {
	t.Helper()
	conn := dial(t, path)
	if err := conn.SendTyped("hello-1", ipc.TypeHello, ipc.Hello{
		ProtocolVersion: ipc.ProtocolVersion,
		Client:          "broker-test",
		PID:             os.Getpid(),
		Subscribe:       subscribe,
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv hello_ok: %v", err)
	}
	if env.Type != ipc.TypeHelloOK || env.ID != "hello-1" {
		t.Fatalf("unexpected handshake reply: %+v", env)
	}
	ok, err := ipc.DecodePayload[ipc.HelloOK](env)
	if err != nil {
		t.Fatalf("decode hello_ok: %v", err)
	}
	if !ok.Accepted {
		t.Fatalf("hello rejected: %s", ok.Reason)
	}
	key, err := hex.DecodeString(ok.SessionKey)
	if err != nil || len(key) != 32 {
		t.Fatalf("bad session key %q: %v", ok.SessionKey, err)
	}
	conn.SetSessionKey(key)
	return conn, ok
}

func request(t *testing.T, conn *ipc.Conn, id, command string, args any) *ipc.Envelope {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			t.Fatalf("marshal args: %v", err)
		}
	}
	if err := conn.SendTyped(id, ipc.TypeRequest, ipc.Request{Command: command, Args: raw}); err != nil {
		t.Fatalf("send %s: %v", command, err)
	}
	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv %s: %v", command, err)
		}
		if env.Type == ipc.TypeResponse && env.ID == id {
			return env
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeAndRequest(t *testing.T) {
	b, _, path := startBroker(t, &fakeDispatcher{})
	conn, ok := handshake(t, path)

	if ok.ClientID == "" || ok.Version != "test" {
		t.Fatalf("hello_ok = %+v", ok)
	}
	waitFor(t, "client registration", func() bool { return b.ClientCount() == 1 })

	env := request(t, conn, "r1", "echo", map[string]int{"n": 7})
	if env.Error != "" {
		t.Fatalf("unexpected error: %s", env.Error)
	}
	var got map[string]int
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got["n"] != 7 {
		t.Errorf("payload = %v, want n=7", got)
	}

	infos := b.Clients()
	if len(infos) != 1 || infos[0].Name != "broker-test" || infos[0].ID != ok.ClientID {
		t.Errorf("Clients() = %+v", infos)
	}
}

func TestErrorResponseCarriesCode(t *testing.T) {
	_, _, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path)

	env := request(t, conn, "r1", "fail", nil)
	if env.Code != "unknown_command" {
		t.Errorf("code = %q, want unknown_command", env.Code)
	}
	if env.Error == "" {
		t.Error("expected error message")
	}
}

func TestMalformedRequestIsBadRequest(t *testing.T) {
	_, _, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path)

	if err := conn.SendTyped("r1", ipc.TypeRequest, ipc.Request{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Code != "bad_request" {
		t.Errorf("code = %q, want bad_request", env.Code)
	}
}

func TestPingPong(t *testing.T) {
	_, _, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path)

	if err := conn.SendTyped("p1", ipc.TypePing, nil); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Type != ipc.TypePong || env.ID != "p1" {
		t.Errorf("got %+v, want pong p1", env)
	}
}

func TestEventsForwardedWithFilter(t *testing.T) {
	b, hub, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path, events.AppUsageUpdate)
	waitFor(t, "client registration", func() bool { return b.ClientCount() == 1 })

	hub.Emit(events.Event{Name: events.ActiveAppUpdate, Data: map[string]string{"name": "skipped"}})
	hub.Emit(events.Event{Name: events.AppUsageUpdate, Data: map[string]int64{"Notepad": 3}})

	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Type != ipc.TypeEvent {
		t.Fatalf("type = %q, want event", env.Type)
	}
	ev, err := ipc.DecodePayload[ipc.Event](env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != events.AppUsageUpdate {
		t.Fatalf("event = %q, want %q", ev.Name, events.AppUsageUpdate)
	}
	var counts map[string]int64
	if err := json.Unmarshal(ev.Data, &counts); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if counts["Notepad"] != 3 {
		t.Errorf("counts = %v", counts)
	}
}

func TestProtocolVersionRejected(t *testing.T) {
	_, _, path := startBroker(t, &fakeDispatcher{})
	conn := dial(t, path)

	conn.SendTyped("h", ipc.TypeHello, ipc.Hello{ProtocolVersion: 99, Client: "old"})
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	ok, _ := ipc.DecodePayload[ipc.HelloOK](env)
	if ok.Accepted || ok.Reason == "" {
		t.Fatalf("hello_ok = %+v, want rejection with reason", ok)
	}
	if _, err := conn.Recv(); err == nil {
		t.Error("expected connection to be closed after rejection")
	}
}

func TestRequestBeforeHelloClosesConnection(t *testing.T) {
	b, _, path := startBroker(t, &fakeDispatcher{})
	conn := dial(t, path)

	conn.SendTyped("r1", ipc.TypeRequest, ipc.Request{Command: "echo"})
	if _, err := conn.Recv(); err == nil {
		t.Error("expected connection to be closed")
	}
	if b.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", b.ClientCount())
	}
}

func TestUnsignedRequestAfterHandshakeDisconnects(t *testing.T) {
	b, _, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path)
	waitFor(t, "client registration", func() bool { return b.ClientCount() == 1 })

	// Signing with the wrong key fails verification on the daemon side.
	conn.SetSessionKey(make([]byte, 32))
	conn.SendTyped("r1", ipc.TypeRequest, ipc.Request{Command: "echo"})

	waitFor(t, "client removal", func() bool { return b.ClientCount() == 0 })
}

func TestDisconnectCancelsInflightCommands(t *testing.T) {
	d := &fakeDispatcher{cancelled: make(chan struct{})}
	b, _, path := startBroker(t, d)
	conn, _ := handshake(t, path)

	if err := conn.SendTyped("r1", ipc.TypeRequest, ipc.Request{Command: "block"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SendTyped("", ipc.TypeDisconnect, nil)

	select {
	case <-d.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight command was not cancelled")
	}
	waitFor(t, "client removal", func() bool { return b.ClientCount() == 0 })
}

func TestCloseDisconnectsClients(t *testing.T) {
	b, _, path := startBroker(t, &fakeDispatcher{})
	conn, _ := handshake(t, path)
	waitFor(t, "client registration", func() bool { return b.ClientCount() == 1 })

	b.Close()

	if _, err := conn.Recv(); err == nil {
		t.Error("expected recv error after broker close")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file still present: %v", err)
	}
}

func TestReapIdleClients(t *testing.T) {
	b, _, path := startBroker(t, &fakeDispatcher{})
	handshake(t, path)
	waitFor(t, "client registration", func() bool { return b.ClientCount() == 1 })

	b.mu.RLock()
	for _, c := range b.clients {
		c.mu.Lock()
		c.lastSeen = time.Now().Add(-2 * IdleTimeout)
		c.mu.Unlock()
	}
	b.mu.RUnlock()

	b.reapIdleClients()
	waitFor(t, "idle client removal", func() bool { return b.ClientCount() == 0 })
}

func TestWireEvent(t *testing.T) {
	ev, err := WireEvent(events.Event{Name: events.AudioData, Session: "s1", Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("WireEvent: %v", err)
	}
	if ev.Name != events.AudioData || ev.Session != "s1" {
		t.Errorf("header = %+v", ev)
	}
	if string(ev.Data) != `"AQID"` {
		t.Errorf("data = %s, want base64 string", ev.Data)
	}

	empty, err := WireEvent(events.Event{Name: events.AudioStopped})
	if err != nil || empty.Data != nil {
		t.Errorf("nil data should stay empty: %+v %v", empty, err)
	}

	if _, err := WireEvent(events.Event{Name: "bad", Data: make(chan int)}); err == nil {
		t.Error("expected marshal error")
	}
}
