package secmem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func TestNewKeyCopies(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	k := NewKey(src)
	clear(src)
	if got := k.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("Bytes() = %v, want original key", got)
	}
	if k.Len() != 4 {
		t.Fatalf("Len() = %d", k.Len())
	}
}

func TestBytesReturnsCopy(t *testing.T) {
	k := NewKey([]byte{9, 9})
	b := k.Bytes()
	b[0] = 0
	if got := k.Bytes(); got[0] != 9 {
		t.Fatal("mutating Bytes() result changed the key")
	}
}

func TestNilKey(t *testing.T) {
	var k *Key
	if k.Bytes() != nil || k.Len() != 0 || k.IsZeroed() {
		t.Fatal("nil key should be empty and not zeroed")
	}
	k.Zero()
}

func TestZeroWipesData(t *testing.T) {
	k := NewKey([]byte("abc"))
	k.mu.Lock()
	backing := k.data
	k.mu.Unlock()

	k.Zero()
	k.Zero()

	if !k.IsZeroed() {
		t.Fatal("IsZeroed() = false after Zero()")
	}
	if k.Bytes() != nil || k.Len() != 0 {
		t.Fatal("key still readable after Zero()")
	}
	if !bytes.Equal(backing, []byte{0, 0, 0}) {
		t.Fatalf("backing array not overwritten: %v", backing)
	}
}

func TestBytesAfterZeroWarnsOnce(t *testing.T) {
	k := NewKey([]byte("secret"))
	_ = k.Bytes()
	if k.warnedOnce.Load() {
		t.Fatal("warned while key was still live")
	}
	k.Zero()
	_ = k.Bytes()
	_ = k.Bytes()
	if !k.warnedOnce.Load() {
		t.Fatal("no warning after use of a wiped key")
	}
}

func TestFormatAllVerbsRedacted(t *testing.T) {
	k := NewKey([]byte("secret"))
	for _, f := range []string{"%s", "%v", "%+v", "%#v", "%q", "%x"} {
		if got := fmt.Sprintf(f, k); got != redacted {
			t.Errorf("Sprintf(%q) = %q, want %s", f, got, redacted)
		}
	}
}

func TestMarshalRedacted(t *testing.T) {
	type hello struct {
		Key    *Key   `json:"key"`
		Client string `json:"client"`
	}
	data, err := json.Marshal(hello{Key: NewKey([]byte("secret")), Client: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"key":"[REDACTED]","client":"cli"}` {
		t.Fatalf("json = %s", data)
	}
	text, _ := NewKey([]byte("x")).MarshalText()
	if string(text) != redacted {
		t.Fatalf("MarshalText = %q", text)
	}
}

func TestUnmarshalJSONRejects(t *testing.T) {
	var k Key
	if err := json.Unmarshal([]byte(`"abcd"`), &k); err == nil {
		t.Fatal("UnmarshalJSON should fail")
	}
}

func TestConcurrentBytesAndZero(t *testing.T) {
	k := NewKey([]byte("concurrent-test"))
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.Bytes()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.Zero()
	}()
	wg.Wait()

	if k.Bytes() != nil {
		t.Fatal("Bytes() non-nil after concurrent Zero")
	}
}
