package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/ipc"
	"github.com/breeze-rmm/deskcap/internal/service"
)

type echoDispatcher struct{}

func (echoDispatcher) Handle(ctx context.Context, command string, args json.RawMessage, reply service.ReplyFunc) {
	if command == "fail" {
		reply(nil, service.ErrBadRequest)
		return
	}
	reply(map[string]string{"command": command}, nil)
}

func newTestBridge(t *testing.T) (*Bridge, *events.Hub, string) {
	t.Helper()
	hub := events.NewHub()
	b := New(Options{Version: "test"}, echoDispatcher{}, hub)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHello(t *testing.T, url string, subscribe ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send(t, conn, "h1", ipc.TypeHello, ipc.Hello{ProtocolVersion: ipc.ProtocolVersion, Client: "ws-test", Subscribe: subscribe})
	env := read(t, conn)
	ok, err := ipc.DecodePayload[ipc.HelloOK](&env)
	if err != nil || !ok.Accepted || ok.ClientID == "" {
		t.Fatalf("hello_ok = %+v, %v", ok, err)
	}
	if ok.SessionKey != "" {
		t.Errorf("websocket handshake should not hand out a session key")
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(ipc.Envelope{ID: id, Type: msgType, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) ipc.Envelope {
	t.Helper()
	var env ipc.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
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

func TestRequestResponse(t *testing.T) {
	_, _, url := newTestBridge(t)
	conn := dialHello(t, url)

	send(t, conn, "r1", ipc.TypeRequest, ipc.Request{Command: "list-audio-devices"})
	env := read(t, conn)
	if env.Type != ipc.TypeResponse || env.ID != "r1" {
		t.Fatalf("got %+v", env)
	}
	var got map[string]string
	json.Unmarshal(env.Payload, &got)
	if got["command"] != "list-audio-devices" {
		t.Errorf("payload = %v", got)
	}
}

func TestErrorResponse(t *testing.T) {
	_, _, url := newTestBridge(t)
	conn := dialHello(t, url)

	send(t, conn, "r1", ipc.TypeRequest, ipc.Request{Command: "fail"})
	env := read(t, conn)
	if env.Code != "bad_request" || env.Error == "" {
		t.Errorf("got %+v, want bad_request error", env)
	}
}

func TestPing(t *testing.T) {
	_, _, url := newTestBridge(t)
	conn := dialHello(t, url)

	send(t, conn, "p1", ipc.TypePing, nil)
	env := read(t, conn)
	if env.Type != ipc.TypePong || env.ID != "p1" {
		t.Errorf("got %+v, want pong", env)
	}
}

func TestEventsForwarded(t *testing.T) {
	b, hub, url := newTestBridge(t)
	conn := dialHello(t, url, events.ActiveAppUpdate)
	waitFor(t, "registration", func() bool { return b.ClientCount() == 1 })

	hub.Emit(events.Event{Name: events.BrowserUsageUpdate, Data: map[string]int64{"x": 1}})
	hub.Emit(events.Event{Name: events.ActiveAppUpdate, Data: map[string]string{"name": "Notepad"}})

	env := read(t, conn)
	ev, err := ipc.DecodePayload[ipc.Event](&env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != ipc.TypeEvent || ev.Name != events.ActiveAppUpdate {
		t.Fatalf("got %+v / %+v", env, ev)
	}
}

func TestRejectsOldProtocol(t *testing.T) {
	b, _, url := newTestBridge(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send(t, conn, "h1", ipc.TypeHello, ipc.Hello{ProtocolVersion: 0})
	env := read(t, conn)
	ok, _ := ipc.DecodePayload[ipc.HelloOK](&env)
	if ok.Accepted {
		t.Fatal("expected rejection")
	}
	var e ipc.Envelope
	if err := conn.ReadJSON(&e); err == nil {
		t.Error("expected connection close")
	}
	if b.ClientCount() != 0 {
		t.Errorf("ClientCount = %d", b.ClientCount())
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	b, _, url := newTestBridge(t)
	conn := dialHello(t, url)
	waitFor(t, "registration", func() bool { return b.ClientCount() == 1 })

	send(t, conn, "", ipc.TypeDisconnect, nil)
	waitFor(t, "removal", func() bool { return b.ClientCount() == 0 })
}

func TestCrossOriginRejected(t *testing.T) {
	_, _, url := newTestBridge(t)
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"file://", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:3000", true},
		{"https://example.com", false},
		{"http://192.168.1.5", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestCheckLoopback(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:9478", false},
		{"localhost:9478", false},
		{"[::1]:9478", false},
		{"0.0.0.0:9478", true},
		{"10.0.0.2:9478", true},
		{":9478", true},
		{"nope", true},
	}
	for _, tt := range tests {
		err := CheckLoopback(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckLoopback(%q) err = %v, wantErr %v", tt.addr, err, tt.wantErr)
		}
	}
	if err := CheckLoopback("0.0.0.0:1"); !errors.Is(err, ErrNotLoopback) {
		t.Errorf("want ErrNotLoopback, got %v", err)
	}
}

func TestListenAndServeRefusesPublicAddress(t *testing.T) {
	b := New(Options{Addr: "0.0.0.0:0"}, echoDispatcher{}, events.NewHub())
	if err := b.ListenAndServe(context.Background()); !errors.Is(err, ErrNotLoopback) {
		t.Fatalf("err = %v, want ErrNotLoopback", err)
	}
}
