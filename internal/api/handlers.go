// Package api exposes the presence query endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/presence/internal/domain"
)

const maxBulkUsers = 100

// PresenceReader is the read side of the presence tracker.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	BulkStatus(ctx context.Context, userIDs []string) (map[string]domain.Status, error)
	ListOnline(ctx context.Context) ([]string, error)
	Now() time.Time
}

// StatusResponse answers a single-user query.
type StatusResponse struct {
	Status string `json:"status"`
}

// UserStatus is one entry of a bulk answer. LastActivity is null for users never seen.
type UserStatus struct {
	UserID       string     `json:"userId"`
	IsOnline     bool       `json:"isOnline"`
	LastActivity *time.Time `json:"lastActivity"`
}

// Handler serves presence queries.
type Handler struct {
	presence PresenceReader
}

// NewHandler builds a Handler.
func NewHandler(presence PresenceReader) *Handler {
	return &Handler{presence: presence}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/presence", h.presenceList)
	mux.HandleFunc("/v1/presence/", h.presenceByUser)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) presenceByUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/presence/"))
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	online, err := h.presence.IsOnline(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := "offline"
	if online {
		status = "online"
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// presenceList answers bulk queries (?user_ids=a,b) or, without ids, lists every online user.
func (h *Handler) presenceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	query := r.URL.Query()
	if !query.Has("user_ids") {
		h.listOnline(w, r)
		return
	}

	ids := splitIDs(query["user_ids"])
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_ids must name at least one user")
		return
	}
	if len(ids) > maxBulkUsers {
		writeError(w, http.StatusBadRequest, "validation_failed", "too many user_ids")
		return
	}

	statuses, err := h.presence.BulkStatus(r.Context(), ids)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]UserStatus, 0, len(statuses))
	for _, id := range ids {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		resp = append(resp, UserStatus{UserID: id, IsOnline: status.IsOnline, LastActivity: status.LastSeenAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listOnline(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.ListOnline(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := h.presence.Now()
	resp := make([]UserStatus, 0, len(users))
	for _, id := range users {
		seen := now
		resp = append(resp, UserStatus{UserID: id, IsOnline: true, LastActivity: &seen})
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitIDs accepts both repeated and comma-separated user_ids values, preserving first-seen order.
func splitIDs(values []string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
