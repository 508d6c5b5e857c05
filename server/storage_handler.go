package server

import (
	"net/http"
	"strconv"

	"echofm/logger"
)

// StorageStatusHandler reports the current health snapshot of both tiers.
func (h *APIHandler) StorageStatusHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.statusRepo.GetAllStatuses()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// StorageEventsHandler lists recent tier health transitions.
func (h *APIHandler) StorageEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := h.statusRepo.RecentEvents(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// TriggerSyncHandler runs one backup reconciliation cycle on demand.
func (h *APIHandler) TriggerSyncHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("manual sync cycle requested")
	writeJSON(w, http.StatusOK, report)
}

// SyncLogHandler lists recent backup sync log entries.
func (h *APIHandler) SyncLogHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := h.syncLogRepo.ListRecent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
