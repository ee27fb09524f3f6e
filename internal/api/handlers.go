package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/ledger"
	"github.com/evermail/dispatch/internal/message"
	"github.com/evermail/dispatch/internal/queue"
)

type submitJobRequest struct {
	AccountID string           `json:"account_id"`
	Priority  int              `json:"priority"`
	Message   *message.Message `json:"message"`
}

type submitJobResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.Message == nil {
		respondError(w, http.StatusBadRequest, "account_id and message are required")
		return
	}

	id, err := s.manager.Submit(r.Context(), req.AccountID, req.Message, queue.Priority(req.Priority))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, submitJobResponse{ID: id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, err := s.manager.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.manager.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable):
		respondError(w, http.StatusConflict, "job already finished")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	state := queue.State(mux.Vars(r)["state"])

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.manager.List(r.Context(), state, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

type createAccountRequest struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
	RateTier int    `json:"rate_tier,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Provider == "" {
		respondError(w, http.StatusBadRequest, "email and provider are required")
		return
	}

	switch account.Provider(req.Provider) {
	case account.ProviderGmail, account.ProviderOutlook, account.ProviderIMAP:
	default:
		respondError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}

	now := time.Now()
	acct := &account.Account{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Email:     req.Email,
		Provider:  account.Provider(req.Provider),
		Status:    account.StatusActive,
		RateTier:  req.RateTier,
		SMTPHost:  req.SMTPHost,
		SMTPPort:  req.SMTPPort,
		IMAPHost:  req.IMAPHost,
		IMAPPort:  req.IMAPPort,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.accounts.Put(r.Context(), acct); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.accounts.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, accts)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.creds.Revoke(r.Context(), id); err != nil && !errors.Is(err, credential.ErrNotFound) {
		s.logger.Error("failed to delete credential", "account_id", id, "error", err)
	}

	if err := s.accounts.Delete(r.Context(), id); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := account.Status(req.Status)
	switch status {
	case account.StatusActive, account.StatusSuspended:
	default:
		respondError(w, http.StatusBadRequest, "status must be active or suspended")
		return
	}

	if err := s.accounts.SetStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type putCredentialRequest struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Password     string    `json:"password,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.accounts.Get(r.Context(), id); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccessToken == "" && req.Password == "" {
		respondError(w, http.StatusBadRequest, "access_token or password is required")
		return
	}

	cred := &credential.Credential{
		AccountID:    id,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Password:     req.Password,
		Expiry:       req.Expiry,
	}

	if err := s.creds.Put(r.Context(), cred); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	jobID, err := s.manager.EnqueueSync(r.Context(), id)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, submitJobResponse{ID: jobID})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.records.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	rec, err := s.records.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no record for job")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
