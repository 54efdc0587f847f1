package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/retry"
	"botfleet/internal/xerrors"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPCalendar reads calendars and events from a REST calendar gateway.
// Authentication is a bearer token from the environment.
type HTTPCalendar struct {
	baseURL string
	token   string
	http    HTTPClient
	retry   retry.Config
	logger  zerolog.Logger
}

// NewHTTPCalendar creates a calendar adapter against baseURL.
func NewHTTPCalendar(baseURL, token string, logger zerolog.Logger) *HTTPCalendar {
	return &HTTPCalendar{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "calendar").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *HTTPCalendar) SetHTTPClient(hc HTTPClient) {
	c.http = hc
}

type calendarItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Primary     bool   `json:"primary"`
}

type eventItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Organizer     string     `json:"organizer"`
	Attendees     []string   `json:"attendees"`
	Start         time.Time  `json:"start"`
	End           *time.Time `json:"end"`
	ConferenceURL string     `json:"conference_url"`
}

// ListCalendars returns every calendar visible to the token.
func (c *HTTPCalendar) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var body struct {
		Calendars []calendarItem `json:"calendars"`
	}
	if err := c.get(ctx, "/calendars", &body); err != nil {
		return nil, err
	}
	out := make([]CalendarInfo, 0, len(body.Calendars))
	for _, item := range body.Calendars {
		out = append(out, CalendarInfo{ID: item.ID, DisplayName: item.DisplayName, Primary: item.Primary})
	}
	return out, nil
}

// ListEvents returns the events of one calendar within [timeMin, timeMax].
func (c *HTTPCalendar) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("time_min", timeMin.UTC().Format(time.RFC3339))
	q.Set("time_max", timeMax.UTC().Format(time.RFC3339))
	path := "/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()

	var body struct {
		Events []eventItem `json:"events"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(body.Events))
	for _, item := range body.Events {
		out = append(out, Event{
			ID:            item.ID,
			Title:         item.Title,
			Organizer:     item.Organizer,
			Attendees:     item.Attendees,
			Start:         item.Start,
			End:           item.End,
			ConferenceURL: item.ConferenceURL,
		})
	}
	return out, nil
}

// get fetches one resource, retrying transient failures with the hint from
// any Retry-After header.
func (c *HTTPCalendar) get(ctx context.Context, path string, v any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.getOnce(ctx, path, v)
	})
}

func (c *HTTPCalendar) getOnce(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &xerrors.RateLimitError{Service: "calendar", RetryAfter: retryAfterHeader(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, xerrors.ErrNotFound)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.NewAPIError("calendar", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
