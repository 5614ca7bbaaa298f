package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the voice-announcement microservice. With Skip set it
// pretends every announcement succeeded, which keeps dev setups and
// rehearsals silent but functional.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	Rate    float64
	Pitch   float64
}

// New creates a client. rate and pitch fall back to the ceremonial
// defaults when zero.
func New(baseURL string, skip bool, rate, pitch float64) *Client {
	if rate == 0 {
		rate = 0.85
	}
	if pitch == 0 {
		pitch = 1.0
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		Rate:    rate,
		Pitch:   pitch,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // synthesis of a long name list can take a while
		},
	}
}

// SpeakResult is the service's response for one utterance.
type SpeakResult struct {
	DurationMS int    `json:"duration_ms"`
	Voice      string `json:"voice"`
}

// Health checks the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("speech: health returned %d", resp.StatusCode)
	}
	return nil
}

// Speak asks the service to voice the given text.
func (c *Client) Speak(ctx context.Context, text string) (*SpeakResult, error) {
	if c.Skip {
		return &SpeakResult{DurationMS: 0, Voice: "skipped"}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"text":  text,
		"rate":  c.Rate,
		"pitch": c.Pitch,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/speak", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("speech: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech: speak failed (%d): %s", resp.StatusCode, string(body))
	}

	var result SpeakResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("speech: decode response failed: %w", err)
	}
	return &result, nil
}

// FormatGraduate renders a ceremonial announcement: pauses between
// name parts, then the awards.
func FormatGraduate(name string, awards []string) string {
	parts := strings.Fields(name)
	announcement := strings.Join(parts, " ... ")
	if len(awards) > 0 {
		announcement += " ... " + strings.Join(awards, " ... ")
	}
	return announcement
}
