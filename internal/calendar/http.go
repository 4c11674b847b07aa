package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTP talks to a JSON calendar service:
//
//	GET    /events?start=RFC3339&end=RFC3339
//	POST   /events            {"slot":{...},"meta":{...}}
//	PATCH  /events/{id}       {"slot":{...}}
//	DELETE /events/{id}
//
// 409 means the slot is taken, 404 that the event is gone.
type HTTP struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	var out struct {
		Events []Event `json:"events"`
	}
	err := h.do(ctx, "list", http.MethodGet, "/events?"+q.Encode(), nil, &out)
	return out.Events, err
}

func (h *HTTP) CreateEvent(ctx context.Context, slot Slot, meta Meta) (Event, error) {
	var e Event
	err := h.do(ctx, "create", http.MethodPost, "/events", map[string]any{"slot": slot, "meta": meta}, &e)
	return e, err
}

func (h *HTTP) UpdateEvent(ctx context.Context, id string, slot Slot) (Event, error) {
	var e Event
	err := h.do(ctx, "update", http.MethodPatch, "/events/"+url.PathEscape(id), map[string]any{"slot": slot}, &e)
	return e, err
}

func (h *HTTP) DeleteEvent(ctx context.Context, id string) error {
	return h.do(ctx, "delete", http.MethodDelete, "/events/"+url.PathEscape(id), nil, nil)
}

func (h *HTTP) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metricRequests.WithLabelValues(op, result(err)).Inc()
		metricLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	if h.APIKey != "" {
		req.Header.Set("authorization", "Bearer "+h.APIKey)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrSlotTaken
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode/100 != 2:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("calendar %s: status=%d body=%s", op, resp.StatusCode, string(b))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
