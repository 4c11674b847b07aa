package audio

import "encoding/binary"

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawTable[i] = decodeMulaw(byte(i))
	}
}

func decodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MulawToPCM16 expands G.711 mu-law bytes into little-endian PCM16.
func MulawToPCM16(b []byte) []byte {
	out := make([]byte, len(b)*2)
	for i, u := range b {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawTable[u]))
	}
	return out
}

// EncodeMulaw compresses one PCM16 sample.
func EncodeMulaw(s int16) byte {
	v := int32(s)
	var sign int32
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exponent := int32(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// PCM16ToMulaw compresses little-endian PCM16 into mu-law.
func PCM16ToMulaw(b []byte) []byte {
	out := make([]byte, len(b)/2)
	for i := range out {
		out[i] = EncodeMulaw(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	return out
}
