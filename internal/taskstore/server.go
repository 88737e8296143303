package taskstore

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soms/backend/internal/httpapi"
)

// XP granted to zone devices per lifecycle stage.
const (
	zoneXPOnCreate   = 10
	zoneXPOnComplete = 20
)

// SideEffects are the fire-and-forget actions the TaskStore triggers on task
// lifecycle transitions. Implementations must be safe to call from goroutines
// and swallow their own errors.
type SideEffects interface {
	GrantZoneXP(zone string, xp int64)
	PayTaskReward(userID, amount, taskID int64, zone string)
	PublishTaskReport(t *Task)
}

// NopSideEffects is used by tests and standalone runs.
type NopSideEffects struct{}

func (NopSideEffects) GrantZoneXP(string, int64)            {}
func (NopSideEffects) PayTaskReward(int64, int64, int64, string) {}
func (NopSideEffects) PublishTaskReport(*Task)              {}

// Server exposes the TaskStore HTTP API.
type Server struct {
	store   *Store
	effects SideEffects
	router  *mux.Router
	logger  *log.Logger
}

// NewServer wires the routes. effects may be NopSideEffects.
func NewServer(store *Store, effects SideEffects) *Server {
	if effects == nil {
		effects = NopSideEffects{}
	}
	s := &Server{
		store:   store,
		effects: effects,
		router:  mux.NewRouter(),
		logger:  log.New(log.Writer(), "[TASK-API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// fixed paths before the {id} wildcard
	r.HandleFunc("/tasks/queue", s.handleQueue).Methods("GET")
	r.HandleFunc("/tasks/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/tasks/", s.handleList).Methods("GET")
	r.HandleFunc("/tasks/", s.handleCreate).Methods("POST")
	r.HandleFunc("/tasks/{id:[0-9]+}", s.handleGet).Methods("GET")
	r.HandleFunc("/tasks/{id:[0-9]+}/accept", s.handleAccept).Methods("PUT")
	r.HandleFunc("/tasks/{id:[0-9]+}/complete", s.handleComplete).Methods("PUT")
	r.HandleFunc("/tasks/{id:[0-9]+}/reminded", s.handleReminded).Methods("PUT")
	r.HandleFunc("/tasks/{id:[0-9]+}/dispatch", s.handleDispatch).Methods("PUT")

	r.HandleFunc("/voice-events", s.handleListVoiceEvents).Methods("GET")
	r.HandleFunc("/voice-events/recent", s.handleListVoiceEvents).Methods("GET")
	r.HandleFunc("/voice-events", s.handleCreateVoiceEvent).Methods("POST")

	r.HandleFunc("/users", s.handleListUsers).Methods("GET")
	r.HandleFunc("/users", s.handleCreateUser).Methods("POST")
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return httpapi.CORS(httpapi.Logging(s.logger)(s.router))
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrAlreadyAccepted):
		httpapi.Error(w, http.StatusConflict, err.Error())
	default:
		httpapi.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func taskID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "taskstore",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.store.List(r.Context(), skip, limit)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpapi.Decode(r, &in); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if in.Title == "" {
		httpapi.Error(w, http.StatusBadRequest, "title is required")
		return
	}
	for _, tt := range in.TaskType {
		if tt == "" {
			httpapi.Error(w, http.StatusBadRequest, "task_type contains an empty element")
			return
		}
	}

	task, created, err := s.store.Create(r.Context(), in)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if created && task.Zone != nil {
		zone := *task.Zone
		go s.effects.GrantZoneXP(zone, zoneXPOnCreate)
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), taskID(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID *int64 `json:"user_id"`
	}
	// empty body means anonymous accept
	httpapi.Decode(r, &req)

	task, err := s.store.Accept(r.Context(), taskID(r), req.UserID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportStatus   *string `json:"report_status"`
		CompletionNote *string `json:"completion_note"`
	}
	httpapi.Decode(r, &req)

	task, err := s.store.Complete(r.Context(), taskID(r), req.ReportStatus, req.CompletionNote)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	zone := ""
	if task.Zone != nil {
		zone = *task.Zone
	}
	if task.AssignedTo != nil {
		if err := s.store.AddUserXP(r.Context(), *task.AssignedTo, task.BountyXP); err != nil {
			s.logger.Printf("⚠️ User XP grant for task %d failed: %v", task.ID, err)
		}
	}
	go s.effects.GrantZoneXP(zone, zoneXPOnComplete)
	if task.AssignedTo != nil && task.BountyGold > 0 {
		go s.effects.PayTaskReward(*task.AssignedTo, task.BountyGold, task.ID, zone)
	}
	completed := *task
	go s.effects.PublishTaskReport(&completed)

	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleReminded(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Reminded(r.Context(), taskID(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Dispatch(r.Context(), taskID(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.Queued(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListVoiceEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.RecentVoiceEvents(r.Context(), limit)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateVoiceEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string  `json:"event_type"`
		Message   string  `json:"message"`
		Zone      *string `json:"zone"`
		AudioURL  *string `json:"audio_url"`
	}
	if err := httpapi.Decode(r, &req); err != nil || req.EventType == "" {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	event, err := s.store.RecordVoiceEvent(r.Context(), req.EventType, req.Message, req.Zone, req.AudioURL)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, event)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if err := httpapi.Decode(r, &req); err != nil || req.Username == "" {
		httpapi.Error(w, http.StatusBadRequest, "username is required")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, user)
}
