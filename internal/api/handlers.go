package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"presenter-sync-service/internal/broadcast"
	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/media"
	"presenter-sync-service/internal/replication"
	"presenter-sync-service/internal/store"
)

const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Replication

func (h *Handler) GetReplicationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.replication.State())
}

func (h *Handler) TriggerReplication(w http.ResponseWriter, r *http.Request) {
	if err := h.replication.Start(); err != nil {
		if errors.Is(err, replication.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) StopReplication(w http.ResponseWriter, r *http.Request) {
	h.replication.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	history, err := h.replication.Store().GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	conflicts, err := h.replication.Store().ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// Broadcast

type broadcastRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastStatus struct {
	broadcast.State
	Hub broadcast.HubStats `json:"hub"`
}

// machine returns the injected Machine, or the process-wide one.
func (h *Handler) machine() *broadcast.Machine {
	if h.broadcast != nil {
		return h.broadcast
	}
	return broadcast.Default()
}

func (h *Handler) GetBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	m := h.machine()
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, broadcast.ErrNotConnected)
		return
	}
	writeJSON(w, http.StatusOK, broadcastStatus{State: m.State(), Hub: h.hub.Stats()})
}

func (h *Handler) PostBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		writeError(w, http.StatusBadRequest, errors.New("kind is required"))
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	m := h.machine()
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, broadcast.ErrNotConnected)
		return
	}
	msg, err := m.Broadcast(req.Kind, payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": msg.ID, "delivered": true})
	case errors.Is(err, broadcast.ErrDropped):
		writeJSON(w, http.StatusAccepted, map[string]any{"id": msg.ID, "delivered": false})
	case errors.Is(err, broadcast.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (h *Handler) ReconnectBroadcast(w http.ResponseWriter, r *http.Request) {
	m := h.machine()
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, broadcast.ErrNotConnected)
		return
	}
	if !m.Reconnect() {
		writeError(w, http.StatusConflict, errors.New("broadcast channel is not in the failed state"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(broadcast.StatusConnecting)})
}

// Media

type resolveRequest struct {
	URL string `json:"url"`
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	out := map[string]media.Resolution{}
	for _, name := range h.slots.Names() {
		if res, ok := h.slots.Lookup(name); ok {
			out[name] = res.Current()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": h.slots.Mode(), "slots": out})
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	res, ok := h.slots.Lookup(chi.URLParam(r, "slot"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown media slot"))
		return
	}
	writeJSON(w, http.StatusOK, res.Current())
}

// ResolveSlot sets a slot's media URL. With ?wait=true it answers once the
// latest request has settled.
func (h *Handler) ResolveSlot(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resolver, ok := h.slots.Lookup(chi.URLParam(r, "slot"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown media slot"))
		return
	}
	resolver.Resolve(req.URL)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		res, err := resolver.Wait(ctx)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, resolver.Current())
}

func (h *Handler) GetCacheUsage(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusConflict, media.ErrNoBridge)
		return
	}
	writeJSON(w, http.StatusOK, h.cache.Usage())
}

func (h *Handler) PruneCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusConflict, media.ErrNoBridge)
		return
	}
	maxBytes, err := strconv.ParseInt(r.URL.Query().Get("max_bytes"), 10, 64)
	if err != nil || maxBytes < 0 {
		writeError(w, http.StatusBadRequest, errors.New("max_bytes must be a non-negative integer"))
		return
	}
	removed, freed, err := h.cache.Prune(maxBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "freed": freed})
}

// Documents

// documents returns the Local Store if it can be trusted: replication
// completed in this session or a previous one.
func (h *Handler) documents(w http.ResponseWriter, r *http.Request) (store.Store, bool) {
	s, err := h.replication.LocalCopy(r.Context())
	if err != nil {
		if errors.Is(err, replication.ErrNoLocalCopy) {
			writeError(w, http.StatusServiceUnavailable, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return s, true
}

func documentID(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	s, ok := h.documents(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)
	docs, err := s.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.documents(w, r)
	if !ok {
		return
	}
	doc, err := s.GetDocument(r.Context(), documentID(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.documents(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("document body must be JSON"))
		return
	}
	doc, err := s.PutDocument(r.Context(), documentID(r), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.replication.NotifyLocalChange()
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.documents(w, r)
	if !ok {
		return
	}
	err := s.DeleteDocument(r.Context(), documentID(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.replication.NotifyLocalChange()
	w.WriteHeader(http.StatusNoContent)
}
