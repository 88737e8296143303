package clients

import (
	"context"
	"net/http"
	"time"
)

// Voice is the HTTP client for the voice pipeline. Synthesis can be slow, so
// its client carries a longer timeout than the other services.
type Voice struct {
	base string
	http *http.Client
}

// NewVoice points at the voice base URL (e.g. http://voice:8003).
func NewVoice(base string) *Voice {
	c := newHTTPClient()
	c.Timeout = 60 * time.Second
	return &Voice{base: trimBase(base), http: c}
}

// SynthesisResult is what the synthesize endpoint returns.
type SynthesisResult struct {
	AudioURL string `json:"audio_url"`
	Text     string `json:"text"`
}

// Synthesize converts text to audio and returns its URL.
func (c *Voice) Synthesize(ctx context.Context, text, zone, tone string) (*SynthesisResult, error) {
	var result SynthesisResult
	body := map[string]interface{}{"text": text}
	if zone != "" {
		body["zone"] = zone
	}
	if tone != "" {
		body["tone"] = tone
	}
	if err := doJSON(ctx, c.http, http.MethodPost,
		c.base+"/api/voice/synthesize", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RejectionRandom pops a pre-generated rejection clip (or has one generated
// on demand when the stock is empty).
func (c *Voice) RejectionRandom(ctx context.Context) (*SynthesisResult, error) {
	var result SynthesisResult
	if err := doJSON(ctx, c.http, http.MethodGet,
		c.base+"/api/voice/rejection/random", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Announcement is the two-part voice payload for a new task.
type Announcement struct {
	AnnouncementAudioURL string `json:"announcement_audio_url"`
	AnnouncementText     string `json:"announcement_text"`
	CompletionAudioURL   string `json:"completion_audio_url"`
	CompletionText       string `json:"completion_text"`
}

// AnnounceWithCompletion generates the announcement and completion audio for
// a task in one call.
func (c *Voice) AnnounceWithCompletion(ctx context.Context, title, description, zone string) (*Announcement, error) {
	var result Announcement
	if err := doJSON(ctx, c.http, http.MethodPost,
		c.base+"/api/voice/announce_with_completion", map[string]interface{}{
			"title":       title,
			"description": description,
			"zone":        zone,
		}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
