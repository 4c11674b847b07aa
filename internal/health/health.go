package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bookline/agent/internal/calendar"
	"bookline/agent/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Check is one named dependency probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, checks []Check) HealthStatus {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			start := time.Now()
			err := c.Fn(ctx)
			results[i] = CheckResult{Name: c.Name, OK: err == nil, Latency: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, c)
	}
	wg.Wait()

	allOK := true
	for _, r := range results {
		if !r.OK {
			allOK = false
		}
	}
	return HealthStatus{OK: allOK, Checks: results, CheckedAt: time.Now().UTC()}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Storage(s pinger) Check {
	return Check{Name: "storage", Fn: s.Ping}
}

// Calendar lists the next hour of events.
func Calendar(c calendar.Calendar) Check {
	return Check{Name: "calendar", Fn: func(ctx context.Context) error {
		now := time.Now()
		_, err := c.ListEvents(ctx, now, now.Add(time.Hour))
		return err
	}}
}

// Providers checks that every configured speech and classifier provider
// has the settings it needs. No network calls are made.
func Providers(cfg config.Config) Check {
	return Check{Name: "providers", Fn: func(ctx context.Context) error {
		if cfg.Auth.MediaSecret == "" {
			return fmt.Errorf("MEDIA_TOKEN_SECRET not set")
		}
		switch cfg.STT.Provider {
		case "deepgram":
			if cfg.Deepgram.APIKey == "" {
				return fmt.Errorf("DEEPGRAM_API_KEY not set")
			}
		case "google":
		default:
			return fmt.Errorf("unknown stt provider %q", cfg.STT.Provider)
		}
		for _, p := range []string{cfg.TTS.Primary, cfg.TTS.Fallback} {
			if p == "elevenlabs" && (cfg.Eleven.APIKey == "" || cfg.Eleven.VoiceID == "") {
				return fmt.Errorf("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set")
			}
		}
		if cfg.Classifier.Provider == "gemini" && cfg.Classifier.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY not set")
		}
		return nil
	}}
}

// ElevenLabsVoice verifies the configured voice exists.
func ElevenLabsVoice(cfg config.Config, client *http.Client) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return Check{Name: "elevenlabs_voice", Fn: func(ctx context.Context) error {
		if cfg.Eleven.APIKey == "" || cfg.Eleven.VoiceID == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set")
		}
		url := fmt.Sprintf("%s/v1/voices/%s", cfg.Eleven.BaseURL, cfg.Eleven.VoiceID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("request build failed: %w", err)
		}
		req.Header.Set("xi-api-key", cfg.Eleven.APIKey)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key (401)")
		case http.StatusNotFound:
			return fmt.Errorf("voice ID %q not found", cfg.Eleven.VoiceID)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}}
}

// Checker runs its checks at most once per ttl and serves the cached
// status in between.
type Checker struct {
	checks  []Check
	ttl     time.Duration
	timeout time.Duration

	mu   sync.Mutex
	last HealthStatus
	at   time.Time
}

func NewChecker(ttl, timeout time.Duration, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{checks: checks, ttl: ttl, timeout: timeout}
}

func (c *Checker) Status(ctx context.Context) HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.at.IsZero() && time.Since(c.at) < c.ttl {
		return c.last
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.last = CheckAll(ctx, c.checks)
	c.at = time.Now()
	return c.last
}

// Publish mirrors the status into a gRPC health server until ctx ends.
// The empty service name carries the overall status.
func (c *Checker) Publish(ctx context.Context, srv *grpchealth.Server, every time.Duration, log *logrus.Entry) {
	t := time.NewTicker(every)
	defer t.Stop()
	prev := healthpb.HealthCheckResponse_UNKNOWN
	for {
		st := c.Status(ctx)
		next := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", next)
		if next != prev && log != nil {
			log.WithField("status", next.String()).Info(st.String())
		}
		prev = next
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
