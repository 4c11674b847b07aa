package tts

import (
	"bytes"
	"context"
	"fmt"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"bookline/agent/internal/audio"
)

type GoogleConfig struct {
	CredentialsFile string
	Voice           string
	Language        string
}

// Google calls SynthesizeSpeech once per text and replays the result as
// telephony frames.
type Google struct {
	client *texttospeech.Client
	cfg    GoogleConfig
}

func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &Google{client: c, cfg: cfg}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Close() error { return g.client.Close() }

func (g *Google) request(text string) *ttspb.SynthesizeSpeechRequest {
	return &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{
			InputSource: &ttspb.SynthesisInput_Text{Text: text},
		},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: g.cfg.Language,
			Name:         g.cfg.Voice,
		},
		AudioConfig: &ttspb.AudioConfig{
			AudioEncoding:   ttspb.AudioEncoding_MULAW,
			SampleRateHertz: int32(audio.Telephony.SampleRate),
		},
	}
}

func (g *Google) Synthesize(ctx context.Context, text string) (*Stream, error) {
	start := time.Now()
	resp, err := g.client.SynthesizeSpeech(ctx, g.request(text))
	if err != nil {
		ttsSynthesisTotal.WithLabelValues(g.Name(), "error").Inc()
		return nil, fmt.Errorf("google tts: %w", err)
	}
	raw, err := telephonyAudio(resp.GetAudioContent())
	if err != nil {
		ttsSynthesisTotal.WithLabelValues(g.Name(), "error").Inc()
		return nil, fmt.Errorf("google tts: %w", err)
	}
	ttsFirstFrameMS.WithLabelValues(g.Name()).Observe(float64(time.Since(start).Milliseconds()))
	ttsSynthesisTotal.WithLabelValues(g.Name(), "ok").Inc()
	return NewStream(ctx, g.Name(), func(ctx context.Context, emit func([]byte) bool) error {
		for _, f := range audio.Frames(raw, frameBytes) {
			if !emit(f) {
				return ctx.Err()
			}
		}
		ttsTotalDurationMS.Observe(float64(time.Since(start).Milliseconds()))
		return nil
	}), nil
}

// MULAW responses carry a WAV header; anything else must already be raw
// mu-law at 8k.
func telephonyAudio(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, []byte("RIFF")) {
		return b, nil
	}
	raw, f, err := audio.WAVData(b)
	if err != nil {
		return nil, err
	}
	switch {
	case f == audio.Telephony:
		return raw, nil
	case f.Encoding == audio.EncodingLinear16 && f.SampleRate == audio.Telephony.SampleRate:
		return audio.PCM16ToMulaw(raw), nil
	default:
		return nil, fmt.Errorf("unexpected audio format %s/%d", f.Encoding, f.SampleRate)
	}
}
