package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConnSendRecv(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	done := make(chan error, 1)
	go func() {
		done <- client.SendTyped("req-1", TypeRequest, Request{Command: "list-audio-devices"})
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	if recv.ID != "req-1" || recv.Type != TypeRequest || recv.Seq != 1 {
		t.Fatalf("unexpected envelope: %+v", recv)
	}
	req, err := DecodePayload[Request](recv)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Command != "list-audio-devices" {
		t.Errorf("command = %q, want list-audio-devices", req.Command)
	}
}

func TestConnSessionKey(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	server := NewConn(serverConn)
	server.SetSessionKey(key)
	client := NewConn(clientConn)
	client.SetSessionKey(key)

	go client.SendError("r", TypeResponse, "device_not_found", "no such device")

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if recv.Error != "no such device" || recv.Code != "device_not_found" {
		t.Fatalf("unexpected error envelope: %+v", recv)
	}
}

func TestConnKeyMismatch(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()

	server := NewConn(serverConn)
	server.SetSessionKey(key1)
	client := NewConn(clientConn)
	client.SetSessionKey(key2)

	go client.SendTyped("x", TypePing, nil)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestConnTamperedErrorField(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)

	env := &Envelope{ID: "t", Seq: 1, Type: TypeResponse, Error: "original"}
	env.HMAC = sign(zeroKey, env)
	env.Error = "tampered"
	go writeRawFrame(t, clientConn, env)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered error, got %v", err)
	}
}

func TestConnSequenceReplay(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)

	frames := []*Envelope{
		{ID: "1", Seq: 5, Type: TypePing},
		{ID: "2", Seq: 5, Type: TypePing},
	}
	go func() {
		for _, env := range frames {
			env.HMAC = sign(zeroKey, env)
			writeRawFrame(t, clientConn, env)
		}
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if _, err := server.Recv(); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestConnMaxMessageSize(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	client := NewConn(clientConn)
	big := bytes.Repeat([]byte("A"), MaxMessageSize)
	payload, _ := json.Marshal(string(big))

	err := client.Send(&Envelope{ID: "big", Type: TypeRequest, Payload: payload})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestConnRejectsOversizedHeader(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
		clientConn.Write(header[:])
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestGenerateSessionKey(t *testing.T) {
	key1, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key1))
	}
	key2, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bytes.Equal(key1, key2) {
		t.Error("two generated keys should not be identical")
	}
}

func writeRawFrame(t *testing.T, conn net.Conn, env *Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := conn.Write(frame); err != nil {
		t.Errorf("write: %v", err)
	}
}

func createSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			clientCh <- nil
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	clientConn := <-clientCh
	if clientConn == nil {
		t.FailNow()
	}
	return serverConn, clientConn
}

func TestSetSessionKeyCopiesAndCloseWipes(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer clientConn.Close()

	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := append([]byte(nil), key...)

	c := NewConn(serverConn)
	c.SetSessionKey(key)
	clear(key)
	if !bytes.Equal(c.key(), want) {
		t.Fatal("clearing the caller's slice changed the session key")
	}

	c.Close()
	if !c.sessionKey.IsZeroed() {
		t.Fatal("Close did not wipe the session key")
	}
	if !bytes.Equal(c.key(), zeroKey) {
		t.Fatal("closed conn should fall back to the zero key")
	}
}
