package voice

import (
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soms/backend/internal/httpapi"
)

// Server exposes the voice pipeline over HTTP.
type Server struct {
	pipeline *Pipeline
	router   *mux.Router
	logger   *log.Logger
}

// NewServer builds the router.
func NewServer(p *Pipeline) *Server {
	s := &Server{
		pipeline: p,
		router:   mux.NewRouter(),
		logger:   log.New(log.Writer(), "[VOICE-API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/voice").Subrouter()
	api.HandleFunc("/synthesize", s.tracked(s.handleSynthesize)).Methods(http.MethodPost)
	api.HandleFunc("/announce", s.tracked(s.handleAnnounce)).Methods(http.MethodPost)
	api.HandleFunc("/announce_with_completion", s.tracked(s.handleAnnounceWithCompletion)).Methods(http.MethodPost)
	api.HandleFunc("/feedback/{type}", s.tracked(s.handleFeedback)).Methods(http.MethodPost)
	api.HandleFunc("/rejection/random", s.handleRejectionRandom).Methods(http.MethodGet)
	api.HandleFunc("/rejection/status", s.handleRejectionStatus).Methods(http.MethodGet)
	api.HandleFunc("/rejection/clear", s.handleRejectionClear).Methods(http.MethodPost)

	s.router.HandleFunc("/audio/rejections/{filename}", s.handleRejectionAudio).Methods(http.MethodGet)
	s.router.HandleFunc("/audio/{filename}", s.handleAudio).Methods(http.MethodGet)
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return httpapi.CORS(httpapi.Logging(s.logger)(s.router))
}

// tracked wraps a handler in the in-flight reference count the idle
// generator uses to detect busy periods.
func (s *Server) tracked(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.pipeline.requestStarted()
		defer s.pipeline.requestFinished()
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		Zone string `json:"zone"`
		Tone string `json:"tone"`
	}
	if err := httpapi.Decode(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		httpapi.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	url, err := s.pipeline.Synthesize(r.Context(), req.Text)
	if err != nil {
		httpapi.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, Clip{AudioURL: url, Text: req.Text})
}

type announceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Zone        string `json:"zone"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := httpapi.Decode(r, &req); err != nil || strings.TrimSpace(req.Title) == "" {
		httpapi.Error(w, http.StatusBadRequest, "title is required")
		return
	}
	clip, err := s.pipeline.Announce(r.Context(), req.Title, req.Description, req.Zone)
	if err != nil {
		httpapi.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, clip)
}

func (s *Server) handleAnnounceWithCompletion(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := httpapi.Decode(r, &req); err != nil || strings.TrimSpace(req.Title) == "" {
		httpapi.Error(w, http.StatusBadRequest, "title is required")
		return
	}
	audio, err := s.pipeline.AnnounceWithCompletion(r.Context(), req.Title, req.Description, req.Zone)
	if err != nil {
		httpapi.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, audio)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["type"]
	clip, err := s.pipeline.Feedback(r.Context(), kind)
	if err != nil {
		httpapi.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, clip)
}

func (s *Server) handleRejectionRandom(w http.ResponseWriter, r *http.Request) {
	clip, err := s.pipeline.RejectionRandom(r.Context())
	if err != nil {
		httpapi.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, clip)
}

func (s *Server) handleRejectionStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stock_count":      s.pipeline.stock.Count(),
		"max_stock":        MaxStock,
		"refill_threshold": RefillThreshold,
		"busy":             s.pipeline.Busy(),
	})
}

func (s *Server) handleRejectionClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.stock.Clear(); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveAudio(w, r, s.pipeline.audioDir)
}

func (s *Server) handleRejectionAudio(w http.ResponseWriter, r *http.Request) {
	s.serveAudio(w, r, s.pipeline.stock.dir)
}

func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request, dir string) {
	name := mux.Vars(r)["filename"]
	// reject traversal attempts; filenames are flat UUIDs
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		httpapi.Error(w, http.StatusBadRequest, "invalid filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, name))
}
