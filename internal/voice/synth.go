package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const synthTimeout = 60 * time.Second

// Synth converts text to audio bytes. Satisfied by Synthesizer; tests swap
// in a fake.
type Synth interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Synthesizer is the HTTP client for the external TTS engine. The engine is
// a black box: text in, WAV out.
type Synthesizer struct {
	url  string
	http *http.Client
}

// NewSynthesizer points at the TTS endpoint.
func NewSynthesizer(url string) *Synthesizer {
	return &Synthesizer{
		url: url,
		http: &http.Client{
			Timeout: synthTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        5,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Synthesize posts the text and returns the audio bytes.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synth returned %d: %s", resp.StatusCode, string(body))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read synth response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synth returned empty audio")
	}
	return audio, nil
}
