package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestMulawRoundTripWithinQuantization(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		got := mulawTable[EncodeMulaw(s)]
		diff := math.Abs(float64(got) - float64(s))
		// step size grows with magnitude; 1/16 of the value plus the smallest step is a safe bound
		if diff > math.Abs(float64(s))/16+8 {
			t.Errorf("sample %d decoded as %d (diff %.0f)", s, got, diff)
		}
	}
	if EncodeMulaw(0) != 0xFF {
		t.Fatalf("expected silence to encode as 0xFF, got %#x", EncodeMulaw(0))
	}
}

func TestMulawRMSMatchesPCM(t *testing.T) {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := int16(3000 * math.Sin(float64(i)/8))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	ulaw := PCM16ToMulaw(pcm)
	a, b := RMS(pcm), MulawRMS(ulaw)
	if math.Abs(a-b) > a*0.05 {
		t.Fatalf("rms mismatch pcm=%.1f mulaw=%.1f", a, b)
	}
	if MulawRMS(Telephony.Silence(160)) != 0 {
		t.Fatalf("expected silence to have zero level")
	}
}

func TestFrames(t *testing.T) {
	fr := Frames(make([]byte, 350), 160)
	if len(fr) != 3 || len(fr[2]) != 30 {
		t.Fatalf("unexpected framing: %d frames", len(fr))
	}
	if Telephony.FrameSize(20) != 160 {
		t.Fatalf("expected 160 byte frames, got %d", Telephony.FrameSize(20))
	}
}

func wavHeader(tag, channels, bits uint16, rate uint32, data []byte) []byte {
	b := make([]byte, 44, 44+len(data))
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], uint32(36+len(data)))
	copy(b[8:], "WAVE")
	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], tag)
	binary.LittleEndian.PutUint16(b[22:], channels)
	binary.LittleEndian.PutUint32(b[24:], rate)
	binary.LittleEndian.PutUint16(b[34:], bits)
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], uint32(len(data)))
	return append(b, data...)
}

func TestWAVDataMulaw(t *testing.T) {
	payload := []byte{0xFF, 0x7F, 0x00, 0x80}
	raw, f, err := WAVData(wavHeader(7, 1, 8, 8000, payload))
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if f != Telephony || len(raw) != 4 {
		t.Fatalf("unexpected format %+v len=%d", f, len(raw))
	}
}

func TestWAVDataStereoAveraged(t *testing.T) {
	data := make([]byte, 8)
	for i, v := range []int16{100, 300, -100, -300} {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}
	raw, f, err := WAVData(wavHeader(1, 2, 16, 16000, data))
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if f.Encoding != EncodingLinear16 || len(raw) != 4 {
		t.Fatalf("unexpected %+v len=%d", f, len(raw))
	}
	if got := int16(binary.LittleEndian.Uint16(raw[0:])); got != 200 {
		t.Fatalf("expected averaged 200, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(raw[2:])); got != -200 {
		t.Fatalf("expected averaged -200, got %d", got)
	}
}

func TestWAVDataRejectsGarbage(t *testing.T) {
	if _, _, err := WAVData([]byte("not a wav at all")); err == nil {
		t.Fatalf("expected error")
	}
}
