package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

// Client queries the upgraded daemon's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	// SSE streams outlive any fixed deadline, so they use a client
	// without a timeout and rely on context cancellation instead.
	stream *http.Client
}

// StreamEvent is one frame from a session's SSE feed.
type StreamEvent struct {
	Kind events.Kind
	Data []byte
}

// NewClient creates a new daemon API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		stream: &http.Client{},
	}
}

// Status fetches the daemon's live status read-model.
func (c *Client) Status(ctx context.Context) (events.Status, error) {
	var st events.Status
	if err := c.getJSON(ctx, "/v1/status", &st); err != nil {
		return events.Status{}, err
	}
	return st, nil
}

// ToggleState fetches which mode the next session will use.
func (c *Client) ToggleState(ctx context.Context) (events.ToggleState, error) {
	var tg events.ToggleState
	if err := c.getJSON(ctx, "/v1/toggle", &tg); err != nil {
		return events.ToggleState{}, err
	}
	return tg, nil
}

// CycleToggle advances the buffered mode preference and returns the new
// toggle state. The preference takes effect at the next session start.
func (c *Client) CycleToggle(ctx context.Context) (events.ToggleState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/toggle", strings.NewReader(`{"cycle":true}`))
	if err != nil {
		return events.ToggleState{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return events.ToggleState{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return events.ToggleState{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var tg events.ToggleState
	if err := json.NewDecoder(resp.Body).Decode(&tg); err != nil {
		return events.ToggleState{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return tg, nil
}

// StreamSession opens the SSE feed for one session. Events arrive on the
// returned channel until the daemon closes the stream after its
// session-complete event, or until ctx is cancelled; the channel closes
// either way.
func (c *Client) StreamSession(ctx context.Context, sessionID string) (<-chan StreamEvent, error) {
	endpoint := fmt.Sprintf("%s/v1/sessions/%s/events", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var kind events.Kind
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, ":"):
				// Heartbeat, keeps idle streams alive.
			case strings.HasPrefix(line, "event: "):
				kind = events.Kind(strings.TrimPrefix(line, "event: "))
			case strings.HasPrefix(line, "data: "):
				if kind == "" {
					continue
				}
				data := []byte(strings.TrimPrefix(line, "data: "))
				select {
				case ch <- StreamEvent{Kind: kind, Data: data}:
				case <-ctx.Done():
					return
				}
			case line == "":
				kind = ""
			}
		}
	}()
	return ch, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
