package lyrics

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

// WriterConfig contains configuration for the lyric writer.
type WriterConfig struct {
	APIBaseURL  string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Writer generates song lyrics from a prompt through an OpenAI-compatible
// chat completion API. Staged providers run it as a pre-step before the
// actual audio job.
type Writer struct {
	config     *WriterConfig
	httpClient *http.Client
}

// NewWriter 创建歌词生成器
func NewWriter(config *WriterConfig) *Writer {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.Temperature == 0 {
		config.Temperature = 0.8
	}
	return &Writer{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

const lyricSystemPrompt = `You are a professional songwriter. Write complete song lyrics
for the user's request. Use [Verse], [Chorus] and [Bridge] section markers.
Return only the lyrics, no commentary.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Write generates lyrics for the prompt. A failure here is a hard failure
// of the calling job: callers must not substitute placeholder content.
func (w *Writer) Write(ctx context.Context, prompt, styleTags string) (string, error) {
	userPrompt := prompt
	if styleTags != "" {
		userPrompt = fmt.Sprintf("%s\n\nStyle: %s", prompt, styleTags)
	}

	reqBody := chatRequest{
		Model: w.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: lyricSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   w.config.MaxTokens,
		Temperature: w.config.Temperature,
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lyric request: %w", err)
	}

	url := strings.TrimRight(w.config.APIBaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to build lyric request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.config.APIKey)

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("lyric request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read lyric response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("lyric model non-200 response",
			logger.Int("status", resp.StatusCode),
			logger.String("model", w.config.Model))
		return "", fmt.Errorf("lyric model returned status %d", resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to decode lyric response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("lyric model error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("lyric model returned no choices")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("lyric model returned empty lyrics")
	}
	return content, nil
}
