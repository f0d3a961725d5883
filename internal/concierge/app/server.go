package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/common/version"
	"github.com/stayflow/concierge/internal/concierge/transfer"
	"github.com/stayflow/concierge/internal/concierge/worker"
)

// routes builds the HTTP surface:
//
//	POST /v1/messages                     inbound guest message (transport)
//	GET  /v1/transfers                    open handoff queue (agent desk)
//	POST /v1/transfers/{id}/accept        agent claims a request
//	POST /v1/transfers/{id}/close         agent finishes a conversation
//	POST /admin/tenants/{tenant}/refresh  drop cached rules and policies
//	GET  /healthz                         liveness
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", a.handleInbound)
	mux.HandleFunc("GET /v1/transfers", a.handleTransferList)
	mux.HandleFunc("POST /v1/transfers/{id}/accept", a.handleTransferAccept)
	mux.HandleFunc("POST /v1/transfers/{id}/close", a.handleTransferClose)
	mux.HandleFunc("POST /admin/tenants/{tenant}/refresh", a.handleTenantRefresh)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	return mux
}

func (a *App) handleInbound(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 64<<10)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in, err := envelope.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := a.pool.Submit(in); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, worker.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "engine busy, retry later")
	default:
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
	}
}

func (a *App) handleTransferList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter required")
		return
	}
	reqs, err := a.queue.Open(r.Context(), tenantID, 100)
	if err != nil {
		a.log.Error("failed to list transfers", "tenant_id", tenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": reqs})
}

func (a *App) handleTransferAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent   string `json:"agent"`
		Version int64  `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent and version required")
		return
	}

	id := r.PathValue("id")
	err := a.queue.Accept(r.Context(), id, body.Agent, body.Version)
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrAlreadyAccepted):
		writeError(w, http.StatusConflict, "request already accepted")
		return
	default:
		a.log.Error("failed to accept transfer", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to accept transfer")
		return
	}

	// The queue row is claimed; hand conversation ownership to the agent.
	if req, err := a.queue.Get(r.Context(), id); err != nil || req == nil {
		a.log.Error("failed to load accepted transfer", "id", id, "err", err)
	} else if err := a.orch.HandoffAccepted(r.Context(), req.ConversationID); err != nil {
		a.log.Error("failed to hand conversation to agent",
			"id", id, "conversation_id", req.ConversationID, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleTransferClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := a.queue.Get(r.Context(), id)
	if err != nil {
		a.log.Error("failed to load transfer", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to close transfer")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "unknown transfer")
		return
	}
	if err := a.queue.Close(r.Context(), id); err != nil {
		a.log.Error("failed to close transfer", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to close transfer")
		return
	}
	// Closing the transfer returns the conversation to the bot; without
	// this the guest would stay human-owned and unanswered forever.
	if err := a.orch.HandoffClosed(r.Context(), req.ConversationID); err != nil {
		a.log.Error("failed to return conversation to the bot",
			"id", id, "conversation_id", req.ConversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to close transfer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTenantRefresh drops the tenant's cached rules snapshot and policy so
// the next turn sees fresh configuration. Called by the rules-CRUD
// collaborator after an operator edit.
func (a *App) handleTenantRefresh(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	a.source.Invalidate(tenantID)
	a.resolver.Invalidate(tenantID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Info()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
