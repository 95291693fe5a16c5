package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"MeloForge/logger"
)

const sunoAPIName = "sunoapi"

// SunoAPIClient SunoAPI生成服务客户端
// A single-call provider: the completed poll response carries every clip
// at once.
type SunoAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSunoAPIClient 创建 SunoAPI 客户端
func NewSunoAPIClient(baseURL, apiKey string) *SunoAPIClient {
	return &SunoAPIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
	}
}

// SetTimeout 设置请求超时时间
func (c *SunoAPIClient) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

func (c *SunoAPIClient) Name() string {
	return sunoAPIName
}

func (c *SunoAPIClient) ValidateParams(req *StartRequest) []string {
	var errs []string
	if strings.TrimSpace(req.Prompt) == "" {
		errs = append(errs, "prompt is required")
	}
	if len(req.Prompt) > 3000 {
		errs = append(errs, "prompt must be at most 3000 characters")
	}
	if len(req.StyleTags) > 200 {
		errs = append(errs, "styleTags must be at most 200 characters")
	}
	return errs
}

func (c *SunoAPIClient) BuildMetadata(req *StartRequest) map[string]interface{} {
	return map[string]interface{}{
		"provider":  sunoAPIName,
		"model":     "V4_5",
		"styleTags": req.StyleTags,
		"hasVocals": req.HasVocals,
	}
}

type sunoGenerateRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackUrl  string `json:"callBackUrl,omitempty"`
}

type sunoEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// StartJob submits a generation job and returns the opaque task id.
func (c *SunoAPIClient) StartJob(ctx context.Context, req *StartRequest) (string, error) {
	payload := sunoGenerateRequest{
		Prompt:       req.Prompt,
		Style:        req.StyleTags,
		Title:        req.Title,
		CustomMode:   req.Lyrics != "" || req.StyleTags != "",
		Instrumental: !req.HasVocals,
		Model:        "V4_5",
		CallBackUrl:  req.CallbackURL,
	}
	if req.Lyrics != "" {
		payload.Prompt = req.Lyrics
	}

	var env sunoEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/generate", payload, &env); err != nil {
		return "", err
	}
	if env.Code != 200 {
		return "", fmt.Errorf("sunoapi generate rejected: %s", env.Msg)
	}

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return "", fmt.Errorf("sunoapi generate returned no task id")
	}
	return data.TaskID, nil
}

// PollStatus fetches the remote job state. All clips arrive in one
// SUCCESS response.
func (c *SunoAPIClient) PollStatus(ctx context.Context, taskID string) (*PollResult, error) {
	var env sunoEnvelope
	path := fmt.Sprintf("/api/v1/generate/record-info?taskId=%s", taskID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("sunoapi record-info rejected: %s", env.Msg)
	}

	var data struct {
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMessage"`
		Response struct {
			SunoData []map[string]interface{} `json:"sunoData"`
		} `json:"response"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode sunoapi record-info: %w", err)
	}

	switch data.Status {
	case "SUCCESS":
		clips := NormalizeClips(data.Response.SunoData)
		if len(clips) == 0 {
			return &PollResult{
				Status:     StatusFailed,
				FailReason: "provider reported success with no playable clips",
			}, nil
		}
		return &PollResult{Status: StatusCompleted, Clips: clips}, nil
	case "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR":
		reason := data.ErrorMsg
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", data.Status)
		}
		return &PollResult{Status: StatusFailed, FailReason: reason}, nil
	default:
		// PENDING / TEXT_SUCCESS / FIRST_SUCCESS and anything unknown keep polling.
		return &PollResult{Status: StatusProcessing}, nil
	}
}

func (c *SunoAPIClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal sunoapi request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build sunoapi request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sunoapi request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read sunoapi response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("sunoapi server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("sunoapi non-200 response",
			logger.Int("status", resp.StatusCode),
			logger.String("path", path))
		return fmt.Errorf("sunoapi returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode sunoapi response: %w", err)
	}
	return nil
}
