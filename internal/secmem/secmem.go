// Package secmem holds IPC session keys so they can be wiped when a
// connection ends and never end up in a log line.
package secmem

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/deskcap/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// Key holds key material with best-effort memory zeroing. The GC may have
// copied the backing array before Zero runs.
//
// Every fmt verb and every marshaller prints [REDACTED]. Use Bytes to get
// the key at the point of use.
type Key struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewKey copies b into a new Key. The caller should clear b afterwards.
func NewKey(b []byte) *Key {
	data := make([]byte, len(b))
	copy(data, b)
	return &Key{data: data}
}

// Bytes returns a copy of the key, or nil for a nil or zeroed Key.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	if k.data == nil {
		k.mu.Unlock()
		if k.zeroed.Load() && k.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("session key used after it was wiped")
		}
		return nil
	}
	out := make([]byte, len(k.data))
	copy(out, k.data)
	k.mu.Unlock()
	return out
}

// Len is the key length in bytes, 0 once zeroed.
func (k *Key) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

func (k *Key) IsZeroed() bool {
	if k == nil {
		return false
	}
	return k.zeroed.Load()
}

// Zero overwrites the key in place. Safe to call more than once.
func (k *Key) Zero() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.data)
	k.data = nil
	k.zeroed.Store(true)
}

func (k *Key) String() string   { return redacted }
func (k *Key) GoString() string { return redacted }

// Format makes %x, %v and friends print the redaction marker too.
func (k *Key) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (k *Key) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON refuses to build a key from JSON input.
func (k *Key) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: cannot deserialize into Key")
}
