package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
)

// Generator returns one JSON completion for a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// GenAI is a Generator backed by the Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
}

func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAI{client: c, model: model}, nil
}

func (g *GenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Gemini asks the model for intent and entities and falls back to Rules
// when the model errors, times out or answers with something unusable.
type Gemini struct {
	gen     Generator
	rules   *Rules
	snap    bizconfig.Snapshot
	timeout time.Duration
	log     *logrus.Entry
}

func NewGemini(gen Generator, rules *Rules, timeout time.Duration, log *logrus.Entry) *Gemini {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.Component(nil, "intent")
	}
	return &Gemini{gen: gen, rules: rules, snap: rules.snap, timeout: timeout, log: log}
}

type modelAnswer struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   Entities `json:"entities"`
}

func (g *Gemini) system() string {
	var b strings.Builder
	b.WriteString("You classify one utterance from a caller phoning ")
	b.WriteString(g.snap.BusinessName)
	b.WriteString(" to manage service appointments.\n")
	b.WriteString(`Answer with JSON only: {"intent": one of "book","reschedule","cancel","query_availability","other", `)
	b.WriteString(`"confidence": 0..1, "entities": {"name","phone","email","address","service","urgency", `)
	b.WriteString(`"has_datetime": bool, "has_range": bool, "vague": bool, "question": bool}}.` + "\n")
	b.WriteString("Leave an entity empty unless the caller said it. Phone is digits only.\n")
	b.WriteString("Services: " + strings.Join(g.snap.ServiceNames(), ", ") + ".\n")
	b.WriteString("Urgency tiers: " + strings.Join(g.snap.UrgencyNames(), ", ") + ".\n")
	b.WriteString("vague is true for phrases like ASAP, right away, within the hour.")
	return b.String()
}

func (g *Gemini) Classify(ctx context.Context, text string, hint Hint) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Utterance: %q\n", text)
	if hint.Expecting != "" {
		prompt += fmt.Sprintf("The assistant just asked for: %s\n", hint.Expecting)
	}
	if hint.Current != "" && hint.Current != Other {
		prompt += fmt.Sprintf("Current task: %s\n", hint.Current)
	}
	start := time.Now()
	raw, err := g.gen.Generate(ctx, g.system(), prompt)
	metricClassifyMS.WithLabelValues("gemini").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return g.fallback(ctx, text, hint, "error", err)
	}
	var ans modelAnswer
	if err := json.Unmarshal([]byte(stripFence(raw)), &ans); err != nil {
		return g.fallback(ctx, text, hint, "bad_json", err)
	}
	c := Classification{Intent: Parse(ans.Intent), Entities: g.clean(ans.Entities, text, hint), Confidence: ans.Confidence}
	metricClassifications.WithLabelValues("gemini", string(c.Intent)).Inc()
	return c, nil
}

func (g *Gemini) fallback(ctx context.Context, text string, hint Hint, reason string, err error) (Classification, error) {
	metricClassifierFallbacks.WithLabelValues(reason).Inc()
	g.log.WithError(err).WithField("reason", reason).Warn("gemini classification failed, using rules")
	return g.rules.Classify(ctx, text, hint)
}

// clean maps model entities onto catalog names and normalized contacts.
// Deterministic signals come from the rules so both classifiers agree on
// what counts as a date mention.
func (g *Gemini) clean(e Entities, text string, hint Hint) Entities {
	det := g.rules.Extract(text, hint)
	e.Phone = storage.NormalizePhone(e.Phone)
	if len(e.Phone) != 10 {
		e.Phone = det.Phone
	}
	e.Email = storage.NormalizeEmail(e.Email)
	if !strings.Contains(e.Email, "@") {
		e.Email = det.Email
	}
	if e.Service != "" {
		if svc, ok := g.snap.MatchService(e.Service); ok {
			e.Service = svc.Name
		} else {
			e.Service = det.Service
		}
	}
	if e.Urgency != "" {
		if u, ok := g.snap.MatchUrgency(e.Urgency); ok {
			e.Urgency = u.Name
		} else {
			e.Urgency = det.Urgency
		}
	}
	e.HasDateTime = det.HasDateTime
	e.Vague = e.Vague || det.Vague
	return e
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
