package audio

import "encoding/binary"

// Int16ToLE appends samples to dst as little-endian bytes.
func Int16ToLE(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// LEToInt16 decodes little-endian s16 bytes. A trailing odd byte is ignored.
func LEToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
