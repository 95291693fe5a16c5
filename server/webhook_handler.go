package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"MeloForge/core/generation"
	"MeloForge/core/provider"
	"MeloForge/logger"
	"MeloForge/model"

	"github.com/gorilla/mux"
)

// webhookPayload covers the callback envelopes the supported providers
// send. Field names drift between providers and versions, so everything
// is optional and resolved defensively.
type webhookPayload struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`

	// flat variants some providers send without an envelope
	CallbackType string                   `json:"callbackType"`
	TaskID       string                   `json:"task_id"`
	Status       string                   `json:"status"`
	FailedReason string                   `json:"failed_reason"`
	Clips        []map[string]interface{} `json:"clips"`
	Choices      []map[string]interface{} `json:"choices"`
}

// WebhookHandler ingests provider callbacks. The endpoint carries no user
// auth; replay safety comes from the delivery ledger.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		logger.Warn("[Webhook] 解析回调失败",
			logger.String("provider", providerName), logger.ErrorField(err))
		writeError(w, http.StatusBadRequest, "Invalid callback body")
		return
	}

	// 嵌套信封：把内层对象摊平再解析一次
	if len(payload.Data) > 0 {
		var inner webhookPayload
		if err := json.Unmarshal(payload.Data, &inner); err == nil {
			if inner.CallbackType != "" {
				payload.CallbackType = inner.CallbackType
			}
			if inner.TaskID != "" {
				payload.TaskID = inner.TaskID
			}
			if inner.Status != "" {
				payload.Status = inner.Status
			}
			if inner.FailedReason != "" {
				payload.FailedReason = inner.FailedReason
			}
			if len(inner.Clips) > 0 {
				payload.Clips = inner.Clips
			}
			if len(inner.Choices) > 0 {
				payload.Choices = inner.Choices
			}
		}
		// 有些供应商把 data 直接作为 clip 数组
		var rawClips []map[string]interface{}
		if err := json.Unmarshal(payload.Data, &rawClips); err == nil && len(rawClips) > 0 {
			payload.Clips = rawClips
		}
	}

	if payload.TaskID == "" {
		writeError(w, http.StatusBadRequest, "Callback carries no task id")
		return
	}

	rawClips := payload.Clips
	if len(rawClips) == 0 {
		rawClips = payload.Choices
	}

	var raw model.JSONMap
	if encoded, err := json.Marshal(payload); err == nil {
		_ = json.Unmarshal(encoded, &raw)
	}

	event := &generation.WebhookEvent{
		Provider:   providerName,
		TaskID:     payload.TaskID,
		Stage:      resolveStage(&payload),
		ErrorMsg:   resolveErrorMsg(&payload),
		Clips:      provider.NormalizeClips(rawClips),
		Raw:        raw,
		DeliveryID: r.Header.Get("X-Delivery-Id"),
	}

	result, err := h.ingestor.Ingest(r.Context(), event)
	if err != nil {
		logger.Error("[Webhook] 回调处理失败",
			logger.String("provider", providerName),
			logger.String("task_id", payload.TaskID),
			logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Callback processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"trackId":  result.TrackID,
		"stage":    result.Stage,
		"replayed": result.Replayed,
	})
}

// resolveStage maps the provider's progress markers onto the internal
// stage ladder.
func resolveStage(p *webhookPayload) string {
	switch strings.ToLower(p.CallbackType) {
	case "text":
		return model.StageText
	case "first":
		return model.StageFirst
	case "complete":
		return model.StageComplete
	case "error":
		return model.StageError
	}

	switch strings.ToLower(p.Status) {
	case "succeeded", "success", "complete", "completed":
		return model.StageComplete
	case "failed", "error", "timeouted", "cancelled":
		return model.StageError
	case "first":
		return model.StageFirst
	case "text", "lyrics":
		return model.StageText
	}

	if p.Code != 0 && p.Code != 200 {
		return model.StageError
	}
	// 没有阶段标记但带了成品片段，按完成处理
	if len(p.Clips) > 0 || len(p.Choices) > 0 {
		return model.StageComplete
	}
	return model.StageError
}

func resolveErrorMsg(p *webhookPayload) string {
	if p.FailedReason != "" {
		return p.FailedReason
	}
	if p.Code != 0 && p.Code != 200 {
		return p.Msg
	}
	return ""
}
