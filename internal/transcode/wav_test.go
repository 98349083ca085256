package transcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func pcmFrame(samples int, value int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

func collect(t *testing.T, enc Encoder) []byte {
	t.Helper()
	var out bytes.Buffer
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-enc.Chunks():
			if !ok {
				select {
				case <-enc.Done():
				case <-timeout:
					t.Fatal("timed out waiting for Done")
				}
				return out.Bytes()
			}
			out.Write(chunk)
		case <-timeout:
			t.Fatal("timed out collecting chunks")
		}
	}
}

func TestWAVEncodesDecodableFile(t *testing.T) {
	enc, err := NewWAV(Format{SampleRate: 22050, Channels: 2}, t.TempDir())
	if err != nil {
		t.Fatalf("NewWAV: %v", err)
	}

	// Three frames of 1920 samples per channel.
	for i := 0; i < 3; i++ {
		if err := enc.Write(pcmFrame(1920*2, int16(100*(i+1)))); err != nil {
			t.Fatalf("Write frame %d: %v", i, err)
		}
	}
	if err := enc.CloseInput(); err != nil {
		t.Fatalf("CloseInput: %v", err)
	}

	data := collect(t, enc)
	if err := enc.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("output is not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if dec.SampleRate != 22050 || dec.NumChans != 2 {
		t.Fatalf("decoded format = %d Hz x %d ch, want 22050 x 2", dec.SampleRate, dec.NumChans)
	}
	if got, want := len(buf.Data), 3*1920*2; got != want {
		t.Fatalf("decoded %d samples, want %d", got, want)
	}
	if buf.Data[0] != 100 || buf.Data[len(buf.Data)-1] != 300 {
		t.Fatalf("unexpected sample values %d..%d", buf.Data[0], buf.Data[len(buf.Data)-1])
	}
}

func TestWAVHandlesSplitSamples(t *testing.T) {
	enc, err := NewWAV(Format{SampleRate: 8000, Channels: 1}, t.TempDir())
	if err != nil {
		t.Fatalf("NewWAV: %v", err)
	}
	frame := pcmFrame(4, -2)
	enc.Write(frame[:3])
	enc.Write(frame[3:])
	enc.CloseInput()

	dec := wav.NewDecoder(bytes.NewReader(collect(t, enc)))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if len(buf.Data) != 4 {
		t.Fatalf("decoded %d samples, want 4", len(buf.Data))
	}
	for i, v := range buf.Data {
		if v != -2 {
			t.Fatalf("sample %d = %d, want -2", i, v)
		}
	}
}

func TestWAVInterruptEndsWithoutError(t *testing.T) {
	enc, err := NewWAV(Format{SampleRate: 22050, Channels: 1}, t.TempDir())
	if err != nil {
		t.Fatalf("NewWAV: %v", err)
	}
	enc.Write(pcmFrame(1920, 1))
	enc.Interrupt()

	collect(t, enc)
	if err := enc.Err(); err != nil {
		t.Fatalf("interrupted encoder Err = %v, want nil", err)
	}
	if err := enc.Write(pcmFrame(10, 1)); !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Write after Interrupt = %v, want ErrInputClosed", err)
	}
}

func TestWAVRejectsInvalidFormat(t *testing.T) {
	if _, err := NewWAV(Format{SampleRate: 0, Channels: 2}, t.TempDir()); !errors.Is(err, ErrEncoder) {
		t.Fatalf("NewWAV with zero rate = %v, want ErrEncoder", err)
	}
}
