package tts

import (
	"context"
	"math"
	"strings"
	"time"

	"bookline/agent/internal/audio"
)

// Static renders a soft tone whose length follows the word count. It needs
// no network and is used by the call simulator and tests.
type Static struct {
	PerWord time.Duration
	ToneHz  float64
}

func (s Static) Name() string { return "static" }

func (s Static) Synthesize(ctx context.Context, text string) (*Stream, error) {
	per := s.PerWord
	if per <= 0 {
		per = 80 * time.Millisecond
	}
	hz := s.ToneHz
	if hz <= 0 {
		hz = 440
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	raw := Tone(hz, time.Duration(words)*per)
	return NewStream(ctx, s.Name(), func(ctx context.Context, emit func([]byte) bool) error {
		for _, f := range audio.Frames(raw, frameBytes) {
			if !emit(f) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// Tone returns d of a sine wave as telephony mu-law.
func Tone(hz float64, d time.Duration) []byte {
	rate := audio.Telephony.SampleRate
	n := int(d.Seconds() * float64(rate))
	out := make([]byte, n)
	for i := range out {
		v := 4000 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate))
		out[i] = audio.EncodeMulaw(int16(v))
	}
	return out
}
