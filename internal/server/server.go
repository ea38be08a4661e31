package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ledgerguard/internal/config"
	"ledgerguard/internal/conversation"
	"ledgerguard/internal/hmacauth"
	"ledgerguard/internal/metrics"
	"ledgerguard/internal/transfer"
)

// Conversations is the conversation manager as seen by the HTTP adapter.
type Conversations interface {
	State(userID string) conversation.State
	BeginTransfer(userID string) conversation.Reply
	ProvideAmount(userID, text string) conversation.Reply
	ProvideAddress(userID, text string) conversation.Reply
	ProvideMemo(userID, text string) conversation.Reply
	Confirm(ctx context.Context, userID string, yes bool) conversation.Reply
	Cancel(userID string) conversation.Reply
}

// History lists a sender's transaction records, newest first.
type History interface {
	History(ctx context.Context, senderID string, limit int) ([]transfer.Record, error)
}

type Deps struct {
	Conversations Conversations
	History       History
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	// DBHealth and LedgerHealth are optional; nil checks report healthy.
	DBHealth     func(context.Context) error
	LedgerHealth func(context.Context) error
}

type Server struct {
	conversations Conversations
	history       History
	hmac          *hmacauth.Verifier
	metrics       *metrics.Registry
	log           *slog.Logger
	httpServer    *http.Server
	dbHealthFn    func(context.Context) error
	rpcHealthFn   func(context.Context) error
}

func NewServer(cfg config.ServiceConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		conversations: deps.Conversations,
		history:       deps.History,
		hmac:          hmacauth.NewVerifier(cfg.HMACSecret, cfg.HMACClockSkew, hmacauth.WithLogger(log)),
		metrics:       deps.Metrics,
		log:           log,
		dbHealthFn:    deps.DBHealth,
		rpcHealthFn:   deps.LedgerHealth,
	}
	if !s.hmac.Enabled() {
		log.Warn("hmac secret not set; conversation endpoints are unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/conversations/{userID}", s.hmac.Middleware(http.HandlerFunc(s.handleState)))
	mux.Handle("POST /api/v1/conversations/{userID}/{action}", s.hmac.Middleware(http.HandlerFunc(s.handleAction)))
	mux.Handle("GET /api/v1/transfers/{userID}", s.hmac.Middleware(http.HandlerFunc(s.handleHistory)))
	mux.Handle("GET /api/v1/metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type actionRequest struct {
	Text string `json:"text"`
	Yes  *bool  `json:"yes"`
}

type draftView struct {
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

type replyView struct {
	State          conversation.StateName `json:"state,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Code           transfer.Code          `json:"code,omitempty"`
	Draft          *draftView             `json:"draft,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Outcome        *transfer.Outcome      `json:"outcome,omitempty"`
}

func viewOf(st conversation.State) replyView {
	if st == nil {
		return replyView{}
	}
	v := replyView{State: st.Name()}
	d := conversation.DraftOf(st)
	if d.Amount.Valid || d.Recipient != "" || d.Memo != "" {
		v.Draft = &draftView{Recipient: d.Recipient, Memo: d.Memo}
		if d.Amount.Valid {
			v.Draft.Amount = d.Amount.Decimal.String()
		}
	}
	if sub, ok := st.(conversation.Submitted); ok {
		v.IdempotencyKey = sub.IdempotencyKey
		v.Outcome = sub.Outcome
	}
	return v
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	st := s.conversations.State(userID)
	if st == nil {
		http.Error(w, "no conversation", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	action := r.PathValue("action")

	var payload actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json payload", http.StatusBadRequest)
			return
		}
	}

	var reply conversation.Reply
	switch action {
	case "begin":
		reply = s.conversations.BeginTransfer(userID)
	case "amount":
		reply = s.conversations.ProvideAmount(userID, payload.Text)
	case "address":
		reply = s.conversations.ProvideAddress(userID, payload.Text)
	case "memo":
		reply = s.conversations.ProvideMemo(userID, payload.Text)
	case "confirm":
		if payload.Yes == nil {
			http.Error(w, "yes is required", http.StatusBadRequest)
			return
		}
		reply = s.conversations.Confirm(r.Context(), userID, *payload.Yes)
	case "cancel":
		reply = s.conversations.Cancel(userID)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}

	view := viewOf(reply.State)
	view.Message = reply.MessageKey
	view.Code = reply.Code
	if reply.Outcome != nil {
		view.Outcome = reply.Outcome
	}
	s.log.Debug("conversation action", "user_id", userID, "action", action, "state", view.State, "message", view.Message)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not available", http.StatusNotImplemented)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.History(r.Context(), r.PathValue("userID"), limit)
	if err != nil {
		s.log.Error("list history", "err", err)
		http.Error(w, "failed to list transfers", http.StatusInternalServerError)
		return
	}

	type item struct {
		ID          string          `json:"id"`
		Recipient   string          `json:"recipient"`
		Amount      string          `json:"amount"`
		Fee         string          `json:"fee"`
		TxHash      string          `json:"txHash"`
		LedgerIndex uint32          `json:"ledgerIndex,omitempty"`
		Status      transfer.Status `json:"status"`
		Reason      string          `json:"reason,omitempty"`
		CreatedAt   time.Time       `json:"createdAt"`
	}
	out := make([]item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, item{
			ID:          rec.ID,
			Recipient:   rec.Recipient,
			Amount:      rec.Amount.String(),
			Fee:         rec.Fee.String(),
			TxHash:      rec.TxHash,
			LedgerIndex: rec.LedgerIndex,
			Status:      rec.Status,
			Reason:      rec.ErrorReason,
			CreatedAt:   rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string `json:"status"`
		Ledger   any    `json:"ledger"`
		Database any    `json:"database"`
	}{
		Status:   status,
		Ledger:   rpcInfo,
		Database: dbInfo,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
