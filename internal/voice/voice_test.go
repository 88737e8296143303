package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynth struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("tts down")
	}
	return []byte("RIFF" + text), nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGen struct {
	reply string
	fail  bool
}

func (f *fakeGen) Complete(ctx context.Context, system, user string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("llm down")
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "生成されたテキストです", nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeSynth, *Stock) {
	t.Helper()
	base := t.TempDir()
	stock, err := LoadStock(filepath.Join(base, "rejections"))
	require.NoError(t, err)
	synth := &fakeSynth{}
	p, err := NewPipeline(NewSpeech(&fakeGen{}), synth, stock, base)
	require.NoError(t, err)
	return p, synth, stock
}

func stockEntry(t *testing.T, s *Stock, text string) StockEntry {
	t.Helper()
	name := fmt.Sprintf("%s-%d.wav", text, s.Count())
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, name), []byte("RIFF"), 0o644))
	e := StockEntry{ID: name, Text: text, AudioFileName: name, CreatedAt: time.Now()}
	require.NoError(t, s.Add(e))
	return e
}

func TestStockAddAndPop(t *testing.T) {
	_, _, stock := newTestPipeline(t)

	stockEntry(t, stock, "a")
	stockEntry(t, stock, "b")
	assert.Equal(t, 2, stock.Count())

	e, ok := stock.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, stock.Count())

	// popped audio file stays on disk for later serving
	_, err := os.Stat(filepath.Join(stock.dir, e.AudioFileName))
	assert.NoError(t, err)
}

func TestStockPersistsAcrossLoads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rejections")
	stock, err := LoadStock(dir)
	require.NoError(t, err)
	stockEntry(t, stock, "a")
	stockEntry(t, stock, "b")

	reloaded, err := LoadStock(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Count())
}

func TestStockPrunesMissingAudio(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rejections")
	stock, err := LoadStock(dir)
	require.NoError(t, err)
	kept := stockEntry(t, stock, "kept")
	gone := stockEntry(t, stock, "gone")
	require.NoError(t, os.Remove(filepath.Join(dir, gone.AudioFileName)))

	reloaded, err := LoadStock(dir)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Count())
	e, ok := reloaded.Pop()
	require.True(t, ok)
	assert.Equal(t, kept.ID, e.ID)
}

func TestStockCapacity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rejections")
	stock, err := LoadStock(dir)
	require.NoError(t, err)
	for i := 0; i < MaxStock; i++ {
		stockEntry(t, stock, fmt.Sprintf("e%d", i))
	}
	assert.True(t, stock.Full())
	err = stock.Add(StockEntry{ID: "overflow", AudioFileName: "x.wav"})
	assert.Error(t, err)
}

func TestStockClear(t *testing.T) {
	_, _, stock := newTestPipeline(t)
	e := stockEntry(t, stock, "a")

	require.NoError(t, stock.Clear())
	assert.Equal(t, 0, stock.Count())
	_, err := os.Stat(filepath.Join(stock.dir, e.AudioFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestSynthesizeWritesAudioFile(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	url, err := p.Synthesize(context.Background(), "こんにちは")
	require.NoError(t, err)
	assert.Contains(t, url, "/audio/")

	name := filepath.Base(url)
	data, err := os.ReadFile(filepath.Join(p.audioDir, name))
	require.NoError(t, err)
	assert.Equal(t, "RIFFこんにちは", string(data))
}

func TestAnnounceWithCompletionGeneratesBothClips(t *testing.T) {
	p, synth, _ := newTestPipeline(t)

	audio, err := p.AnnounceWithCompletion(context.Background(), "掃除", "床を拭く", "zone_a")
	require.NoError(t, err)
	assert.Equal(t, 2, synth.callCount())
	assert.NotEmpty(t, audio.AnnouncementText)
	assert.NotEmpty(t, audio.CompletionText)
	assert.NotEqual(t, audio.AnnouncementAudioURL, audio.CompletionAudioURL)
}

func TestSpeechFallbackWhenLLMDown(t *testing.T) {
	s := NewSpeech(&fakeGen{fail: true})
	text := s.AnnouncementText(context.Background(), "掃除", "床を拭く", "")
	assert.Contains(t, text, "掃除")
	assert.NotEmpty(t, s.RejectionText(context.Background()))
	assert.NotEmpty(t, s.FeedbackText(context.Background(), "accept"))
	assert.NotEmpty(t, s.FeedbackText(context.Background(), "unknown_kind"))
}

func TestRejectionRandomPrefersStock(t *testing.T) {
	p, synth, stock := newTestPipeline(t)
	stockEntry(t, stock, "いやですね")

	clip, err := p.RejectionRandom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "いやですね", clip.Text)
	assert.Contains(t, clip.AudioURL, "/audio/rejections/")
	assert.Zero(t, synth.callCount(), "stocked clip needs no synthesis")
	assert.Equal(t, 0, stock.Count())
}

func TestRejectionRandomOnDemandFallback(t *testing.T) {
	p, synth, _ := newTestPipeline(t)

	clip, err := p.RejectionRandom(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, clip.Text)
	assert.Contains(t, clip.AudioURL, "/audio/rejections/")
	assert.Equal(t, 1, synth.callCount())
}

func TestGenerateRejectionRollsBackOnManifestFailure(t *testing.T) {
	p, _, stock := newTestPipeline(t)
	for i := 0; i < MaxStock; i++ {
		stockEntry(t, stock, fmt.Sprintf("e%d", i))
	}

	err := p.generateRejection(context.Background())
	require.Error(t, err)
	assert.Equal(t, MaxStock, stock.Count())

	// the orphaned audio file was cleaned up: only stock files + manifest remain
	files, err := os.ReadDir(stock.dir)
	require.NoError(t, err)
	assert.Len(t, files, MaxStock+1)
}

func newTestServer(t *testing.T) (*Server, *Pipeline, *fakeSynth, *Stock) {
	t.Helper()
	p, synth, stock := newTestPipeline(t)
	return NewServer(p), p, synth, stock
}

func TestSynthesizeEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/voice/synthesize", "application/json",
		jsonBody(t, map[string]string{"text": "テストです"}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var clip Clip
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clip))
	assert.Equal(t, "テストです", clip.Text)

	audio, err := http.Get(ts.URL + clip.AudioURL)
	require.NoError(t, err)
	defer audio.Body.Close()
	assert.Equal(t, http.StatusOK, audio.StatusCode)
}

func TestSynthesizeEndpointRequiresText(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/voice/synthesize", "application/json",
		jsonBody(t, map[string]string{"text": "  "}))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectionStatusEndpoint(t *testing.T) {
	srv, _, _, stock := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	stockEntry(t, stock, "a")

	resp, err := http.Get(ts.URL + "/api/voice/rejection/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, float64(1), status["stock_count"])
	assert.Equal(t, float64(MaxStock), status["max_stock"])
	assert.Equal(t, false, status["busy"])
}

func TestAudioTraversalRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/audio/..%2Fmanifest.json", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
