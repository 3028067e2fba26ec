package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
)

const calendlyAPIBase = "https://api.calendly.com"

// CalendlySource looks up real availability through the Calendly v2
// API. Any API failure falls back to the synthetic source so the
// assistant always has slots to offer.
type CalendlySource struct {
	token      string
	userURI    string
	windowDays int
	maxSlots   int
	client     *http.Client
	apiBase    string
	fallback   *StaticSource
}

// NewCalendlySource builds a Calendly-backed slot source.
func NewCalendlySource(cfg config.SchedulingConfig, loc *time.Location) *CalendlySource {
	windowDays := cfg.SlotWindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	maxSlots := cfg.MaxSlots
	if maxSlots <= 0 {
		maxSlots = 10
	}
	return &CalendlySource{
		token:      cfg.CalendlyToken,
		userURI:    cfg.CalendlyUserURI,
		windowDays: windowDays,
		maxSlots:   maxSlots,
		client:     &http.Client{Timeout: 15 * time.Second},
		apiBase:    calendlyAPIBase,
		fallback:   NewStaticSource(windowDays, maxSlots, loc),
	}
}

// AvailableSlots queries Calendly for open times on the user's first
// active event type. On any error it logs and serves synthetic slots.
func (s *CalendlySource) AvailableSlots(ctx context.Context) ([]string, error) {
	slots, err := s.fetchSlots(ctx)
	if err != nil {
		slog.Warn("calendly lookup failed, using synthetic slots", "error", err)
		return s.fallback.AvailableSlots(ctx)
	}
	if len(slots) == 0 {
		return s.fallback.AvailableSlots(ctx)
	}
	return slots, nil
}

func (s *CalendlySource) fetchSlots(ctx context.Context) ([]string, error) {
	eventType, err := s.firstEventType(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	q := url.Values{}
	q.Set("event_type", eventType)
	q.Set("start_time", now.Format(time.RFC3339))
	q.Set("end_time", now.AddDate(0, 0, s.windowDays).Format(time.RFC3339))

	var resp struct {
		Collection []struct {
			StartTime time.Time `json:"start_time"`
			Status    string    `json:"status"`
		} `json:"collection"`
	}
	if err := s.get(ctx, "/event_type_available_times?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	var slots []string
	for _, t := range resp.Collection {
		if t.Status != "" && t.Status != "available" {
			continue
		}
		slots = append(slots, formatSlot(t.StartTime.In(s.fallback.loc)))
		if len(slots) >= s.maxSlots {
			break
		}
	}
	return slots, nil
}

func (s *CalendlySource) firstEventType(ctx context.Context) (string, error) {
	if s.userURI == "" {
		return "", fmt.Errorf("calendly user URI is not configured")
	}

	var resp struct {
		Collection []struct {
			URI    string `json:"uri"`
			Active bool   `json:"active"`
		} `json:"collection"`
	}
	q := url.Values{}
	q.Set("user", s.userURI)
	if err := s.get(ctx, "/event_types?"+q.Encode(), &resp); err != nil {
		return "", err
	}

	for _, et := range resp.Collection {
		if et.Active {
			return et.URI, nil
		}
	}
	return "", fmt.Errorf("no active calendly event types")
}

func (s *CalendlySource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("create calendly request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendly request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("calendly API status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode calendly response: %w", err)
	}
	return nil
}
