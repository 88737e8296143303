// Package voice is the speech side of the system: direct synthesis for
// announcements, pre-generated task audio, and the rejection stock with its
// idle refill loop.
package voice

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	idleInterval = 30 * time.Second
	refillPause  = 3 * time.Second
)

// Pipeline owns the audio directories, the TTS and text generators, and the
// rejection stock. The inflight counter is what "busy" means: the idle
// generator yields to real requests.
type Pipeline struct {
	speech *Speech
	synth  Synth
	stock  *Stock

	audioDir string
	logger   *log.Logger

	inflight int32
}

// NewPipeline assembles the pipeline. audioDir is created if missing.
func NewPipeline(speech *Speech, synth Synth, stock *Stock, audioDir string) (*Pipeline, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &Pipeline{
		speech:   speech,
		synth:    synth,
		stock:    stock,
		audioDir: audioDir,
		logger:   log.New(log.Writer(), "[VOICE] ", log.LstdFlags),
	}, nil
}

// requestStarted marks an external request in flight. Paired with
// requestFinished; the idle generator checks Busy between generations.
func (p *Pipeline) requestStarted()  { atomic.AddInt32(&p.inflight, 1) }
func (p *Pipeline) requestFinished() { atomic.AddInt32(&p.inflight, -1) }

// Busy reports whether any external request is being served.
func (p *Pipeline) Busy() bool { return atomic.LoadInt32(&p.inflight) > 0 }

// Synthesize renders text to a file under the audio dir and returns its URL
// path.
func (p *Pipeline) Synthesize(ctx context.Context, text string) (string, error) {
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	name := uuid.New().String() + ".wav"
	if err := os.WriteFile(filepath.Join(p.audioDir, name), audio, 0o644); err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return "/audio/" + name, nil
}

// Clip is one generated utterance: what was said and where to fetch it.
type Clip struct {
	AudioURL string `json:"audio_url"`
	Text     string `json:"text"`
}

// Announce generates and synthesizes the announcement clip for a task.
func (p *Pipeline) Announce(ctx context.Context, title, description, zone string) (*Clip, error) {
	text := p.speech.AnnouncementText(ctx, title, description, zone)
	url, err := p.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Clip{AudioURL: url, Text: text}, nil
}

// TaskAudio is the paired announcement and completion payload stored on the
// task so completion playback needs no LLM round trip.
type TaskAudio struct {
	AnnouncementAudioURL string `json:"announcement_audio_url"`
	AnnouncementText     string `json:"announcement_text"`
	CompletionAudioURL   string `json:"completion_audio_url"`
	CompletionText       string `json:"completion_text"`
}

// AnnounceWithCompletion generates both clips for a new task. The two
// text+synthesis chains are independent, so they run concurrently.
func (p *Pipeline) AnnounceWithCompletion(ctx context.Context, title, description, zone string) (*TaskAudio, error) {
	var audio TaskAudio
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		audio.AnnouncementText = p.speech.AnnouncementText(gctx, title, description, zone)
		url, err := p.Synthesize(gctx, audio.AnnouncementText)
		if err != nil {
			return fmt.Errorf("announcement synthesis: %w", err)
		}
		audio.AnnouncementAudioURL = url
		return nil
	})
	g.Go(func() error {
		audio.CompletionText = p.speech.CompletionText(gctx, title, description, zone)
		url, err := p.Synthesize(gctx, audio.CompletionText)
		if err != nil {
			return fmt.Errorf("completion synthesis: %w", err)
		}
		audio.CompletionAudioURL = url
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &audio, nil
}

// Feedback generates the reaction clip for a lifecycle event type.
func (p *Pipeline) Feedback(ctx context.Context, kind string) (*Clip, error) {
	text := p.speech.FeedbackText(ctx, kind)
	url, err := p.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Clip{AudioURL: url, Text: text}, nil
}

// RejectionRandom pops a stocked clip, falling back to on-demand generation
// when the stock is empty.
func (p *Pipeline) RejectionRandom(ctx context.Context) (*Clip, error) {
	if e, ok := p.stock.Pop(); ok {
		return &Clip{
			AudioURL: "/audio/rejections/" + e.AudioFileName,
			Text:     e.Text,
		}, nil
	}

	p.logger.Printf("📭 Rejection stock empty, generating on demand")
	text := p.speech.RejectionText(ctx)
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	name := uuid.New().String() + ".wav"
	if err := os.WriteFile(filepath.Join(p.stock.dir, name), audio, 0o644); err != nil {
		return nil, fmt.Errorf("save rejection audio: %w", err)
	}
	return &Clip{AudioURL: "/audio/rejections/" + name, Text: text}, nil
}

// generateRejection creates one stock entry: text, audio file, manifest row.
// The audio file is removed if the manifest append fails.
func (p *Pipeline) generateRejection(ctx context.Context) error {
	text := p.speech.RejectionText(ctx)
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}

	name := uuid.New().String() + ".wav"
	path := filepath.Join(p.stock.dir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return fmt.Errorf("save rejection audio: %w", err)
	}

	entry := StockEntry{
		ID:            uuid.New().String(),
		Text:          text,
		AudioFileName: name,
		CreatedAt:     time.Now(),
	}
	if err := p.stock.Add(entry); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// RunIdleGenerator refills the rejection stock while the pipeline is idle.
// Refill starts when stock drops below the threshold and continues until
// full; real traffic always wins.
func (p *Pipeline) RunIdleGenerator(ctx context.Context) {
	filling := p.stock.Count() < RefillThreshold
	for {
		wait := idleInterval

		switch {
		case p.Busy():
			// yield to in-flight requests
		case p.stock.Full():
			filling = false
		case filling || p.stock.Count() < RefillThreshold:
			filling = true
			if err := p.generateRejection(ctx); err != nil {
				p.logger.Printf("⚠️ Rejection generation failed: %v", err)
			} else {
				p.logger.Printf("🎙️ Stocked rejection clip (%d/%d)", p.stock.Count(), MaxStock)
				wait = refillPause
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
