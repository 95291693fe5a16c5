package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"MeloForge/core/generation"
	"MeloForge/logger"
	"MeloForge/model"

	"github.com/gorilla/mux"
)

// GenerateHandler accepts a generation request and returns the track/task
// pair. Replays of the same (user, idempotency key) return the original
// pair without starting a second remote job.
func (h *APIHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req generation.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = userID

	result, err := h.orchestrator.Generate(r.Context(), &req)
	if err != nil {
		var verr *generation.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"errors":  verr.Errors,
			})
			return
		}
		logger.Error("[Generate] 生成请求失败",
			logger.Int64("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to start generation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"trackId":  result.TrackID,
		"taskId":   result.TaskID,
		"replayed": result.Replayed,
	})
}

// GetTracksHandler lists the user's tracks, newest first.
func (h *APIHandler) GetTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	tracks, err := h.trackRepo.GetAllByUserID(r.Context(), userID)
	if err != nil {
		logger.Error("[Tracks] 查询曲目失败",
			logger.Int64("user_id", userID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to list tracks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tracks":  tracks,
	})
}

// GetTrackHandler returns one track with its variants and the variant the
// player should surface.
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}

	variants, err := h.reconciler.ListVariants(r.Context(), track)
	if err != nil {
		logger.Error("[Tracks] 查询变体失败",
			logger.String("track_id", track.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to list variants")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"track":          track,
		"variants":       variants,
		"displayVariant": h.reconciler.SelectDisplayVariant(track, variants),
	})
}

// GetVariantsHandler lists a track's variants.
func (h *APIHandler) GetVariantsHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}

	variants, err := h.reconciler.ListVariants(r.Context(), track)
	if err != nil {
		logger.Error("[Variants] 查询变体失败",
			logger.String("track_id", track.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to list variants")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"variants": variants,
	})
}

// RollbackVariantHandler makes the named variant the preferred one.
func (h *APIHandler) RollbackVariantHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	variantID, ok := h.variantID(w, r)
	if !ok {
		return
	}

	if err := h.reconciler.Rollback(r.Context(), track.ID, variantID); err != nil {
		h.writeReconcileError(w, track.ID, variantID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// DeleteVariantHandler removes a non-primary variant.
func (h *APIHandler) DeleteVariantHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	variantID, ok := h.variantID(w, r)
	if !ok {
		return
	}

	if err := h.reconciler.DeleteVariant(r.Context(), track.ID, variantID); err != nil {
		h.writeReconcileError(w, track.ID, variantID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetTaskHandler returns the generation task state for progress display.
func (h *APIHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	taskID := mux.Vars(r)["id"]
	task, err := h.taskRepo.GetByID(r.Context(), taskID)
	if err != nil {
		logger.Error("[Tasks] 查询任务失败",
			logger.String("task_id", taskID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load task")
		return
	}
	if task == nil || task.UserID != userID {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"task":    task,
	})
}

// ownedTrack loads the {id} track and enforces ownership.
func (h *APIHandler) ownedTrack(w http.ResponseWriter, r *http.Request) (*model.Track, bool) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}

	trackID := mux.Vars(r)["id"]
	track, err := h.trackRepo.GetByID(r.Context(), trackID)
	if err != nil {
		logger.Error("[Tracks] 查询曲目失败",
			logger.String("track_id", trackID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load track")
		return nil, false
	}
	if track == nil || track.UserID != userID {
		writeError(w, http.StatusNotFound, "Track not found")
		return nil, false
	}
	return track, true
}

func (h *APIHandler) variantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["variant_id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid variant id")
		return 0, false
	}
	return id, true
}

func (h *APIHandler) writeReconcileError(w http.ResponseWriter, trackID string, variantID int64, err error) {
	switch {
	case errors.Is(err, generation.ErrVariantNotFound):
		writeError(w, http.StatusNotFound, "Variant not found")
	case errors.Is(err, generation.ErrPrimaryVariant):
		writeError(w, http.StatusConflict, "The primary variant cannot be deleted")
	case errors.Is(err, generation.ErrLastVariant):
		writeError(w, http.StatusConflict, "The last remaining variant cannot be deleted")
	default:
		logger.Error("[Variants] 变体操作失败",
			logger.String("track_id", trackID),
			logger.Int64("variant_id", variantID),
			logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Variant operation failed")
	}
}
