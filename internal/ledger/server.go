package ledger

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soms/backend/internal/httpapi"
)

// Server exposes the wallet HTTP API.
type Server struct {
	ledger *Ledger
	router *mux.Router
	logger *log.Logger
}

// NewServer wires all wallet routes.
func NewServer(l *Ledger) *Server {
	s := &Server{
		ledger: l,
		router: mux.NewRouter(),
		logger: log.New(log.Writer(), "[WALLET-API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/wallets/", s.handleCreateWallet).Methods("POST")
	r.HandleFunc("/wallets/{user_id}", s.handleGetWallet).Methods("GET")
	r.HandleFunc("/wallets/{user_id}/history", s.handleHistory).Methods("GET")

	r.HandleFunc("/transactions/task-reward", s.handleTaskReward).Methods("POST")
	r.HandleFunc("/transactions/p2p-transfer", s.handleP2PTransfer).Methods("POST")
	r.HandleFunc("/transactions/transfer-fee", s.handleTransferFee).Methods("GET")
	r.HandleFunc("/transactions/{tx_id}", s.handleGetTransaction).Methods("GET")

	r.HandleFunc("/supply", s.handleSupply).Methods("GET")
	r.HandleFunc("/demurrage/trigger", s.handleDemurrageTrigger).Methods("POST")

	r.HandleFunc("/reward-rates", s.handleListRewardRates).Methods("GET")
	r.HandleFunc("/reward-rates", s.handleSetRewardRate).Methods("PUT")

	r.HandleFunc("/devices/", s.handleRegisterDevice).Methods("POST")
	r.HandleFunc("/devices/", s.handleListDevices).Methods("GET")
	r.HandleFunc("/devices/xp-grant", s.handleXPGrant).Methods("POST")
	r.HandleFunc("/devices/zone-multiplier/{zone}", s.handleZoneMultiplier).Methods("GET")
	r.HandleFunc("/devices/{device_id}", s.handleUpdateDevice).Methods("PUT")
	r.HandleFunc("/devices/{device_id}/heartbeat", s.handleHeartbeat).Methods("POST")
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return httpapi.CORS(httpapi.Logging(s.logger)(s.router))
}

// writeError maps ledger errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrDeviceNotFound):
		httpapi.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSameWallet), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrDuplicateReference), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBelowMinimum):
		httpapi.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpapi.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "wallet",
	})
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	wallet, err := s.ledger.CreateWallet(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := pathInt64(r, "user_id")
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	wallet, err := s.ledger.GetWallet(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := pathInt64(r, "user_id")
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.ledger.History(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleTaskReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      int64   `json:"user_id"`
		Amount      int64   `json:"amount"`
		TaskID      int64   `json:"task_id"`
		Multiplier  float64 `json:"multiplier"`
		Description string  `json:"description"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}

	amount := req.Amount
	if req.Multiplier > 1.0 {
		amount = int64(float64(amount) * req.Multiplier)
	}
	txID, err := s.ledger.TaskReward(r.Context(), req.UserID, amount, req.TaskID, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": txID,
		"user_id":        req.UserID,
		"amount":         amount,
	})
}

func (s *Server) handleP2PTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From        int64  `json:"from"`
		To          int64  `json:"to"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	txID, fee, err := s.ledger.P2PTransfer(r.Context(), req.From, req.To, req.Amount, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": txID,
		"amount":         req.Amount,
		"fee":            fee,
	})
}

func (s *Server) handleTransferFee(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		httpapi.Error(w, http.StatusBadRequest, "invalid amount")
		return
	}
	supply, err := s.ledger.GetSupply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"amount":       amount,
		"fee":          TransferFee(amount),
		"min_transfer": MinTransferAmount(supply.Circulating),
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	entries, err := s.ledger.GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(entries) == 0 {
		httpapi.Error(w, http.StatusNotFound, "transaction not found")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": txID,
		"entries":        entries,
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.ledger.GetSupply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, supply)
}

func (s *Server) handleDemurrageTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.RunDemurrage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRewardRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.ledger.ListRewardRates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"rates": rates})
}

func (s *Server) handleSetRewardRate(w http.ResponseWriter, r *http.Request) {
	var rate RewardRate
	if err := httpapi.Decode(r, &rate); err != nil || rate.DeviceType == "" {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.ledger.SetRewardRate(r.Context(), rate); err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rate)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var d Device
	if err := httpapi.Decode(r, &d); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	registered, err := s.ledger.RegisterDevice(r.Context(), &d)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, registered)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.ledger.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName *string `json:"display_name"`
		TopicPrefix *string `json:"topic_prefix"`
		IsActive    *bool   `json:"is_active"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	d, err := s.ledger.UpdateDevice(r.Context(), mux.Vars(r)["device_id"],
		req.DisplayName, req.TopicPrefix, req.IsActive)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reward, err := s.ledger.Heartbeat(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": mux.Vars(r)["device_id"],
		"rewarded":  reward,
	})
}

func (s *Server) handleXPGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Zone string `json:"zone"`
		XP   int64  `json:"xp"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	count, err := s.ledger.GrantZoneXP(r.Context(), req.Zone, req.XP)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"zone":            req.Zone,
		"xp":              req.XP,
		"devices_granted": count,
	})
}

func (s *Server) handleZoneMultiplier(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]
	multiplier, err := s.ledger.GetZoneMultiplier(r.Context(), zone)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"zone":       zone,
		"multiplier": multiplier,
	})
}
