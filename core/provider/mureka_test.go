package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubLyricWriter struct {
	lyrics string
	err    error
	calls  int
}

func (w *stubLyricWriter) Write(ctx context.Context, prompt, styleTags string) (string, error) {
	w.calls++
	if w.err != nil {
		return "", w.err
	}
	return w.lyrics, nil
}

func newMurekaServer(t *testing.T, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/song/generate":
			if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Authorization = %q", got)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if captured != nil {
				*captured = body
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"id": 81975, "status": "preparing"})
		case strings.HasPrefix(r.URL.Path, "/v1/song/query/"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "succeeded",
				"choices": []map[string]interface{}{
					{"id": "m0", "url": "https://cdn/m0.mp3", "duration_milliseconds": 151000.0},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestMurekaLyricPreStepRuns(t *testing.T) {
	var captured map[string]interface{}
	srv := newMurekaServer(t, &captured)
	defer srv.Close()

	writer := &stubLyricWriter{lyrics: "[Verse]\nrain on the glass"}
	client := NewMurekaClient(srv.URL, "test-key", writer)

	taskID, err := client.StartJob(context.Background(), &StartRequest{
		TrackID:   "t1",
		Prompt:    "a ballad about rain",
		HasVocals: true,
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if taskID != "81975" {
		t.Fatalf("task id = %q, want 81975", taskID)
	}
	if writer.calls != 1 {
		t.Fatalf("lyric writer calls = %d, want 1", writer.calls)
	}
	if captured["lyrics"] != "[Verse]\nrain on the glass" {
		t.Fatalf("generated lyrics not forwarded, body = %v", captured)
	}
}

func TestMurekaLyricPreStepFailureAbortsJob(t *testing.T) {
	srv := newMurekaServer(t, nil)
	defer srv.Close()

	writer := &stubLyricWriter{err: errors.New("model unavailable")}
	client := NewMurekaClient(srv.URL, "test-key", writer)

	_, err := client.StartJob(context.Background(), &StartRequest{
		TrackID:   "t1",
		Prompt:    "a ballad about rain",
		HasVocals: true,
	})
	if err == nil {
		t.Fatal("expected the pre-step failure to abort the job")
	}
	if !strings.Contains(err.Error(), "lyric pre-step failed") {
		t.Fatalf("err = %v, should name the pre-step", err)
	}
}

func TestMurekaCallerLyricsSkipPreStep(t *testing.T) {
	var captured map[string]interface{}
	srv := newMurekaServer(t, &captured)
	defer srv.Close()

	writer := &stubLyricWriter{lyrics: "should not be used"}
	client := NewMurekaClient(srv.URL, "test-key", writer)

	_, err := client.StartJob(context.Background(), &StartRequest{
		TrackID:   "t1",
		Prompt:    "a ballad",
		Lyrics:    "[Verse]\nmy own words",
		HasVocals: true,
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if writer.calls != 0 {
		t.Fatal("caller-supplied lyrics must skip the pre-step")
	}
	if captured["lyrics"] != "[Verse]\nmy own words" {
		t.Fatalf("caller lyrics not forwarded, body = %v", captured)
	}
}

func TestMurekaInstrumentalSkipsLyrics(t *testing.T) {
	var captured map[string]interface{}
	srv := newMurekaServer(t, &captured)
	defer srv.Close()

	writer := &stubLyricWriter{lyrics: "should not be used"}
	client := NewMurekaClient(srv.URL, "test-key", writer)

	_, err := client.StartJob(context.Background(), &StartRequest{
		TrackID:   "t1",
		Prompt:    "lofi beats",
		HasVocals: false,
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if writer.calls != 0 {
		t.Fatal("instrumental jobs must not run the lyric pre-step")
	}
	if captured["lyrics"] != "[Instrumental]" {
		t.Fatalf("instrumental marker missing, body = %v", captured)
	}
}

func TestMurekaPollStatusMapping(t *testing.T) {
	srv := newMurekaServer(t, nil)
	defer srv.Close()

	client := NewMurekaClient(srv.URL, "test-key", nil)
	result, err := client.PollStatus(context.Background(), "81975")
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if len(result.Clips) != 1 {
		t.Fatalf("clips = %d, want 1", len(result.Clips))
	}
	if result.Clips[0].Duration != 151 {
		t.Fatalf("duration = %v, want 151 seconds", result.Clips[0].Duration)
	}
}

func TestMurekaPollStatusFailureStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "timeouted",
			"failed_reason": "",
		})
	}))
	defer srv.Close()

	client := NewMurekaClient(srv.URL, "test-key", nil)
	result, err := client.PollStatus(context.Background(), "x")
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.FailReason == "" {
		t.Fatal("expected a synthesized failure reason")
	}
}
