package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	Model   string
	BaseURL string
}

// ElevenLabs uses the streaming REST endpoint with mu-law 8k output, which
// is what the media stream plays without transcoding.
type ElevenLabs struct {
	cfg  ElevenLabsConfig
	http *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_flash_v2_5"
	}
	return &ElevenLabs{cfg: cfg, http: &http.Client{}}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*Stream, error) {
	if e.cfg.APIKey == "" {
		return nil, errors.New("elevenlabs: missing api key")
	}
	if e.cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: missing voice id")
	}
	u := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000", e.cfg.BaseURL, url.PathEscape(e.cfg.VoiceID))
	body, _ := json.Marshal(map[string]any{"text": text, "model_id": e.cfg.Model})

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("accept", "audio/basic")
	req.Header.Set("content-type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		ttsSynthesisTotal.WithLabelValues(e.Name(), "error").Inc()
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		ttsSynthesisTotal.WithLabelValues(e.Name(), "error").Inc()
		return nil, fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(b))
	}
	ttsElevenLabsLatencyMS.Observe(float64(time.Since(start).Milliseconds()))

	return NewStream(ctx, e.Name(), func(ctx context.Context, emit func([]byte) bool) error {
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()
		buf := make([]byte, 4096)
		var carry []byte
		first := true
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if first {
					ttsFirstFrameMS.WithLabelValues(e.Name()).Observe(float64(time.Since(start).Milliseconds()))
					first = false
				}
				var ok bool
				if carry, ok = emitFrames(carry, buf[:n], emit); !ok {
					return ctx.Err()
				}
			}
			if rerr == io.EOF {
				if len(carry) > 0 && !emit(carry) {
					return ctx.Err()
				}
				ttsSynthesisTotal.WithLabelValues(e.Name(), "ok").Inc()
				ttsTotalDurationMS.Observe(float64(time.Since(start).Milliseconds()))
				return nil
			}
			if rerr != nil {
				ttsSynthesisTotal.WithLabelValues(e.Name(), "error").Inc()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return rerr
			}
		}
	}), nil
}
