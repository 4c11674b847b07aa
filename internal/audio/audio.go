package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoding names match the values accepted by AUDIO_ENCODING.
const (
	EncodingMulaw    = "mulaw"
	EncodingLinear16 = "linear16"
)

// Format describes a raw telephony audio stream.
type Format struct {
	Encoding   string
	SampleRate int
}

// Telephony is the Media Streams wire format: G.711 mu-law, 8 kHz mono.
var Telephony = Format{Encoding: EncodingMulaw, SampleRate: 8000}

// BytesPerSecond of the raw stream.
func (f Format) BytesPerSecond() int {
	if f.Encoding == EncodingLinear16 {
		return f.SampleRate * 2
	}
	return f.SampleRate
}

// FrameSize returns the number of bytes covering ms milliseconds of audio.
func (f Format) FrameSize(ms int) int {
	return f.BytesPerSecond() * ms / 1000
}

// Duration of n bytes of audio in this format.
func (f Format) Duration(n int) float64 {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(n) / float64(bps)
}

// Level returns the RMS of a frame in PCM16 units regardless of encoding.
func (f Format) Level(frame []byte) float64 {
	if f.Encoding == EncodingLinear16 {
		return RMS(frame)
	}
	return MulawRMS(frame)
}

// Silence returns n bytes of digital silence for the format.
func (f Format) Silence(n int) []byte {
	b := make([]byte, n)
	if f.Encoding != EncodingLinear16 {
		for i := range b {
			b[i] = 0xFF
		}
	}
	return b
}

// RMS computes RMS of little-endian PCM16 audio.
func RMS(b []byte) float64 {
	if len(b) < 2 {
		return 0
	}
	var sum float64
	n := len(b) / 2
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(b[i*2:]))
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}

// MulawRMS computes RMS directly over mu-law bytes.
func MulawRMS(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var sum float64
	for _, u := range b {
		s := float64(mulawTable[u])
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(b)))
}

// Frames splits b into chunks of size n. The final chunk may be short.
func Frames(b []byte, n int) [][]byte {
	if n <= 0 || len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+n-1)/n)
	for pos := 0; pos < len(b); pos += n {
		end := pos + n
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[pos:end])
	}
	return out
}

// WAV format tags we accept.
const (
	wavPCM   = 1
	wavMulaw = 7
)

// WAVData finds the data chunk of a WAV file and returns its raw samples along
// with the format they are in. Stereo PCM16 is averaged to mono.
func WAVData(b []byte) ([]byte, Format, error) {
	if len(b) < 44 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("not a WAV")
	}
	off := 12
	var dataOff, dataLen int
	var tag, channels, bits uint16
	var rate uint32
	for off+8 <= len(b) {
		cid := string(b[off : off+4])
		csz := int(binary.LittleEndian.Uint32(b[off+4:]))
		off += 8
		if cid == "fmt " {
			if csz < 16 || off+csz > len(b) {
				return nil, Format{}, fmt.Errorf("bad fmt chunk")
			}
			tag = binary.LittleEndian.Uint16(b[off:])
			channels = binary.LittleEndian.Uint16(b[off+2:])
			rate = binary.LittleEndian.Uint32(b[off+4:])
			bits = binary.LittleEndian.Uint16(b[off+14:])
			off += csz
		} else if cid == "data" {
			dataOff = off
			dataLen = csz
			break
		} else {
			off += csz
		}
	}
	if dataOff <= 0 {
		return nil, Format{}, fmt.Errorf("no data chunk")
	}
	// streamed WAVs may carry a placeholder size
	if dataOff+dataLen > len(b) || dataLen == 0 {
		dataLen = len(b) - dataOff
	}
	raw := b[dataOff : dataOff+dataLen]

	var f Format
	switch {
	case tag == wavPCM && bits == 16:
		f = Format{Encoding: EncodingLinear16, SampleRate: int(rate)}
		if channels == 2 {
			out := make([]byte, len(raw)/2)
			for i := 0; i+3 < len(raw); i += 4 {
				a := int32(int16(binary.LittleEndian.Uint16(raw[i:])))
				c := int32(int16(binary.LittleEndian.Uint16(raw[i+2:])))
				binary.LittleEndian.PutUint16(out[i/2:], uint16(int16((a+c)/2)))
			}
			raw = out
		}
	case tag == wavMulaw && bits == 8 && channels <= 1:
		f = Format{Encoding: EncodingMulaw, SampleRate: int(rate)}
	default:
		return nil, Format{}, fmt.Errorf("unsupported WAV format tag=%d bits=%d channels=%d", tag, bits, channels)
	}
	return raw, f, nil
}
