package server

import (
	"net/http"
	"strconv"

	"echofm/logger"

	"github.com/gorilla/mux"
)

// GetSongsHandler lists all playable songs.
func (h *APIHandler) GetSongsHandler(w http.ResponseWriter, r *http.Request) {
	songs, err := h.songRepo.ListAvailable()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, songs)
}

// StreamSongHandler serves a song's audio from whichever tier currently
// holds a verified copy, and counts the play.
func (h *APIHandler) StreamSongHandler(w http.ResponseWriter, r *http.Request) {
	songID, err := strconv.ParseInt(mux.Vars(r)["song_id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid song id", http.StatusBadRequest)
		return
	}

	path, err := h.resolver.ResolveReadPath(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.songRepo.TouchPlayed(songID); err != nil {
		logger.Warn("failed to record play", logger.Int64("songId", songID), logger.ErrorField(err))
	}

	http.ServeFile(w, r, path)
}

// ResolveSongHandler returns the path the engine would serve a song from,
// without streaming it. Useful for diagnostics and local players.
func (h *APIHandler) ResolveSongHandler(w http.ResponseWriter, r *http.Request) {
	songID, err := strconv.ParseInt(mux.Vars(r)["song_id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid song id", http.StatusBadRequest)
		return
	}

	path, err := h.resolver.ResolveReadPath(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// RandomSongHandler returns a random playable song.
func (h *APIHandler) RandomSongHandler(w http.ResponseWriter, r *http.Request) {
	song, err := h.resolver.PickRandomAvailable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if song == nil {
		http.Error(w, "Library is empty", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, song)
}
