package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MeloForge/logger"
)

const murekaName = "mureka"

// LyricWriter is the pre-step dependency of the staged provider.
type LyricWriter interface {
	Write(ctx context.Context, prompt, styleTags string) (string, error)
}

// MurekaClient Mureka生成服务客户端
// A staged provider: vocal jobs without caller-supplied lyrics require a
// lyric-generation pre-step, and a pre-step failure aborts the whole job.
// There is no silent fallback to placeholder lyrics.
type MurekaClient struct {
	baseURL     string
	apiKey      string
	lyricWriter LyricWriter
	httpClient  *http.Client
}

// NewMurekaClient 创建 Mureka 客户端
func NewMurekaClient(baseURL, apiKey string, lyricWriter LyricWriter) *MurekaClient {
	return &MurekaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		lyricWriter: lyricWriter,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
	}
}

func (c *MurekaClient) Name() string {
	return murekaName
}

func (c *MurekaClient) ValidateParams(req *StartRequest) []string {
	var errs []string
	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.Lyrics) == "" {
		errs = append(errs, "prompt or lyrics is required")
	}
	if req.HasVocals && c.lyricWriter == nil && strings.TrimSpace(req.Lyrics) == "" {
		errs = append(errs, "lyrics are required when no lyric model is configured")
	}
	return errs
}

func (c *MurekaClient) BuildMetadata(req *StartRequest) map[string]interface{} {
	return map[string]interface{}{
		"provider":  murekaName,
		"model":     "auto",
		"styleTags": req.StyleTags,
		"hasVocals": req.HasVocals,
		"staged":    req.HasVocals && strings.TrimSpace(req.Lyrics) == "",
	}
}

type murekaGenerateRequest struct {
	Lyrics string `json:"lyrics"`
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

// StartJob runs the lyric pre-step when needed, then submits the song job.
func (c *MurekaClient) StartJob(ctx context.Context, req *StartRequest) (string, error) {
	generationLyrics := req.Lyrics
	if req.HasVocals && strings.TrimSpace(generationLyrics) == "" {
		if c.lyricWriter == nil {
			return "", fmt.Errorf("lyric pre-step unavailable: no lyric model configured")
		}
		written, err := c.lyricWriter.Write(ctx, req.Prompt, req.StyleTags)
		if err != nil {
			// Sub-step failure is a hard failure of the parent job.
			return "", fmt.Errorf("lyric pre-step failed: %w", err)
		}
		generationLyrics = written
		logger.Info("lyric pre-step completed",
			logger.String("trackId", req.TrackID),
			logger.Int("lyricsLength", len(written)))
	}

	if !req.HasVocals {
		generationLyrics = "[Instrumental]"
	}

	payload := murekaGenerateRequest{
		Lyrics: generationLyrics,
		Model:  "auto",
		Prompt: req.StyleTags,
	}
	if payload.Prompt == "" {
		payload.Prompt = req.Prompt
	}

	var data struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/song/generate", payload, &data); err != nil {
		return "", err
	}
	if data.ID.String() == "" {
		return "", fmt.Errorf("mureka generate returned no task id")
	}
	return data.ID.String(), nil
}

// PollStatus fetches the remote job state.
func (c *MurekaClient) PollStatus(ctx context.Context, taskID string) (*PollResult, error) {
	var data struct {
		Status       string                   `json:"status"`
		FailedReason string                   `json:"failed_reason"`
		Choices      []map[string]interface{} `json:"choices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/song/query/"+taskID, nil, &data); err != nil {
		return nil, err
	}

	switch data.Status {
	case "succeeded":
		clips := NormalizeClips(data.Choices)
		if len(clips) == 0 {
			return &PollResult{
				Status:     StatusFailed,
				FailReason: "provider reported success with no playable clips",
			}, nil
		}
		return &PollResult{Status: StatusCompleted, Clips: clips}, nil
	case "failed", "timeouted", "cancelled":
		reason := data.FailedReason
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", data.Status)
		}
		return &PollResult{Status: StatusFailed, FailReason: reason}, nil
	default:
		// preparing / queued / running keep polling.
		return &PollResult{Status: StatusProcessing}, nil
	}
}

func (c *MurekaClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal mureka request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build mureka request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mureka request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read mureka response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mureka returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode mureka response: %w", err)
	}
	return nil
}
