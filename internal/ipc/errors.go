package ipc

import "errors"

var (
	ErrBadSignature    = errors.New("ipc: HMAC mismatch")
	ErrReplay          = errors.New("ipc: sequence number replay/duplicate")
	ErrMessageTooLarge = errors.New("ipc: message too large")
	ErrPeerUnsupported = errors.New("ipc: peer credentials not supported on this platform")
)
