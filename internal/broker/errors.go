package broker

import "errors"

var (
	ErrBrokerClosed    = errors.New("broker: closed")
	ErrRateLimited     = errors.New("broker: connection rate limited")
	ErrPeerRejected    = errors.New("broker: peer is not the daemon's user")
	ErrProtocolVersion = errors.New("broker: unsupported protocol version")
	ErrHandshake       = errors.New("broker: handshake failed")
)
