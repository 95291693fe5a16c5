package storage

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"MeloForge/config"
	"MeloForge/logger"

	"github.com/minio/minio-go/v7"
)

// MediaArchiver re-hosts provider-hosted media into the MinIO bucket.
// Provider URLs expire; archived objects do not. Callers degrade to the
// original remote URL when archiving fails, so a completion never fails on
// a re-hosting problem alone.
type MediaArchiver struct {
	client     *minio.Client
	bucket     string
	baseURL    string
	httpClient *http.Client
}

// NewMediaArchiver 创建媒体归档器
func NewMediaArchiver(cfg *config.Config) *MediaArchiver {
	baseURL := cfg.MediaBaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.MinioUseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.MinioEndpoint, cfg.MinioBucket)
	}

	return &MediaArchiver{
		client:  GetMinioClient(),
		bucket:  cfg.MinioBucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Archive fetches remoteURL and stores it under objectName, returning the
// stable public URL.
func (a *MediaArchiver) Archive(ctx context.Context, remoteURL, objectName string) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("MinIO client not available")
	}
	if remoteURL == "" {
		return "", fmt.Errorf("empty remote URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch remote media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote media fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = guessContentType(objectName)
	}

	_, err = a.client.PutObject(ctx, a.bucket, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store media object %s: %w", objectName, err)
	}

	stable := fmt.Sprintf("%s/%s", a.baseURL, objectName)
	logger.Debug("媒体已归档",
		logger.String("object", objectName),
		logger.String("contentType", contentType))
	return stable, nil
}

func guessContentType(objectName string) string {
	switch path.Ext(objectName) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
