package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/deskcap/internal/secmem"
)

// zeroKey signs the handshake messages exchanged before a session key exists.
var zeroKey = make([]byte, 32)

// Conn wraps a net.Conn with length-prefixed JSON framing, HMAC signing,
// and sequence number validation.
type Conn struct {
	conn net.Conn

	keyMu      sync.RWMutex
	sessionKey *secmem.Key

	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	writeMu sync.Mutex
}

// NewConn wraps a raw connection. Messages are signed with the zero key
// until SetSessionKey is called.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey sets the HMAC key after the hello handshake. The key is
// copied; callers may clear their slice.
func (c *Conn) SetSessionKey(key []byte) {
	c.keyMu.Lock()
	old := c.sessionKey
	c.sessionKey = secmem.NewKey(key)
	c.keyMu.Unlock()
	old.Zero()
}

func (c *Conn) key() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if c.sessionKey == nil {
		return zeroKey
	}
	if k := c.sessionKey.Bytes(); k != nil {
		return k
	}
	return zeroKey
}

// Close closes the connection and wipes the session key.
func (c *Conn) Close() error {
	c.keyMu.RLock()
	k := c.sessionKey
	c.keyMu.RUnlock()
	k.Zero()
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Raw returns the wrapped connection, used for peer credential lookups.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Send signs env and writes it as [4-byte BE length][JSON]. The sequence
// number is assigned under the write lock so that frames hit the wire in
// sequence order even with concurrent senders.
func (c *Conn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	env.Seq = c.sendSeq.Add(1)
	env.HMAC = sign(c.key(), env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one frame and validates its HMAC and sequence number.
func (c *Conn) Recv() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > uint32(MaxMessageSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}

	if !hmac.Equal([]byte(env.HMAC), []byte(sign(c.key(), &env))) {
		return nil, ErrBadSignature
	}

	prev := c.recvSeq.Load()
	if prev > 0 && env.Seq <= prev {
		return nil, fmt.Errorf("%w: %d <= last %d", ErrReplay, env.Seq, prev)
	}
	c.recvSeq.Store(env.Seq)

	return &env, nil
}

// SendTyped marshals payload into an envelope of the given type and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{ID: id, Type: msgType, Payload: raw})
}

// SendError sends an envelope carrying only an error message and code.
func (c *Conn) SendError(id, msgType, code, errMsg string) error {
	return c.Send(&Envelope{ID: id, Type: msgType, Code: code, Error: errMsg})
}

// sign computes HMAC-SHA256(key, id||seq||type||payload||error).
func sign(key []byte, env *Envelope) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(env.ID))
	mac.Write([]byte(strconv.FormatUint(env.Seq, 10)))
	mac.Write([]byte(env.Type))
	mac.Write(env.Payload)
	mac.Write([]byte(env.Error))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}

// DecodePayload unmarshals an envelope payload into T.
func DecodePayload[T any](env *Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("ipc: decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
