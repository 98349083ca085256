//go:build !linux && !darwin

package ipc

import "net"

// PeerCredentials is unavailable here; on Windows the named pipe's
// security descriptor restricts who may connect.
type PeerCredentials struct {
	PID int
	UID uint32
}

func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerUnsupported
}

func (p *PeerCredentials) IdentityKey() string {
	return "pipe"
}

func (p *PeerCredentials) SameUser() bool {
	return true
}
