//go:build windows

package broker

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM and the owner get full control. OW is the creator owner,
// which for a per-user daemon is the interactive user.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"

func (b *Broker) setupSocket() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   256 * 1024,
	}

	listener, err := winio.ListenPipe(b.opts.SocketPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", b.opts.SocketPath, err)
	}
	log.Info("named pipe listener created", "pipe", b.opts.SocketPath)
	return listener, nil
}
