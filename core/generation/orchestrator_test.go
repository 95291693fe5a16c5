package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"MeloForge/model"
)

func newTestOrchestrator(f *fixture) *Orchestrator {
	// The watcher interval is far beyond the test horizon so background
	// polling never interleaves with the assertions.
	poller := NewPoller(f.registry, f.tracks, f.tasks, f.reconciler, PollerConfig{
		Interval:    time.Hour,
		MaxAttempts: 3,
		Timeout:     24 * time.Hour,
	})
	return NewOrchestrator(f.registry, f.tracks, f.tasks, f.reconciler, poller,
		NewSupervisor(), f.notifier, "https://api.example.com")
}

func TestGenerateValidationHasNoSideEffects(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	tests := []struct {
		name string
		req  GenerateRequest
	}{
		{"missing prompt", GenerateRequest{UserID: 1, Provider: "suno"}},
		{"missing provider", GenerateRequest{UserID: 1, Prompt: "a song"}},
		{"unknown provider", GenerateRequest{UserID: 1, Prompt: "a song", Provider: "nope"}},
		{"missing user", GenerateRequest{Prompt: "a song", Provider: "suno"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Generate(context.Background(), &tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Errors) == 0 {
				t.Fatal("expected at least one field error")
			}
		})
	}

	if start, _ := f.provider.calls(); start != 0 {
		t.Fatalf("rejected requests must not reach the provider, got %d start calls", start)
	}
	if tracks, _ := f.tracks.GetAllByUserID(context.Background(), 1); len(tracks) != 0 {
		t.Fatalf("rejected requests must not create tracks, found %d", len(tracks))
	}
}

func TestGenerateStartsExactlyOneJob(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	result, err := o.Generate(context.Background(), &GenerateRequest{
		UserID:   7,
		Prompt:   "synthwave about rain",
		Provider: "suno",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.TrackID == "" || result.TaskID == "" {
		t.Fatalf("expected track and task ids, got %+v", result)
	}

	track, _ := f.tracks.GetByID(context.Background(), result.TrackID)
	if track == nil {
		t.Fatal("track row missing")
	}
	if track.Status != model.TrackStatusProcessing {
		t.Fatalf("track status = %s, want processing", track.Status)
	}
	if track.Title == "" {
		t.Fatal("expected a derived title")
	}

	task, _ := f.tasks.GetByID(context.Background(), result.TaskID)
	if task == nil {
		t.Fatal("task row missing")
	}
	if task.ProviderTaskID == "" {
		t.Fatal("provider task id not persisted")
	}

	if start, _ := f.provider.calls(); start != 1 {
		t.Fatalf("start calls = %d, want 1", start)
	}
}

func TestGenerateIdempotencyReplay(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	req := &GenerateRequest{
		UserID:         7,
		Prompt:         "synthwave about rain",
		Provider:       "suno",
		IdempotencyKey: "key-1",
	}

	first, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	second, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}

	if !second.Replayed {
		t.Fatal("second submission should be marked as a replay")
	}
	if second.TrackID != first.TrackID || second.TaskID != first.TaskID {
		t.Fatalf("replay returned a different pair: %+v vs %+v", first, second)
	}
	if start, _ := f.provider.calls(); start != 1 {
		t.Fatalf("start calls = %d, want exactly 1 remote job per key", start)
	}
}

func TestGenerateDistinctKeysAreIndependent(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	first, err := o.Generate(context.Background(), &GenerateRequest{
		UserID: 7, Prompt: "song one", Provider: "suno", IdempotencyKey: "key-a",
	})
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	second, err := o.Generate(context.Background(), &GenerateRequest{
		UserID: 7, Prompt: "song two", Provider: "suno", IdempotencyKey: "key-b",
	})
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}

	if second.Replayed {
		t.Fatal("distinct keys must not replay")
	}
	if second.TrackID == first.TrackID {
		t.Fatal("distinct keys must create distinct tracks")
	}
}

func TestGenerateProviderStartFailure(t *testing.T) {
	f := newFixture("suno")
	f.provider.startErr = errors.New("quota exceeded")
	o := newTestOrchestrator(f)

	result, err := o.Generate(context.Background(), &GenerateRequest{
		UserID: 7, Prompt: "a song", Provider: "suno",
	})
	if err == nil {
		t.Fatalf("expected error, got %+v", result)
	}

	tracks, _ := f.tracks.GetAllByUserID(context.Background(), 7)
	if len(tracks) != 1 {
		t.Fatalf("expected the failed track to remain visible, found %d", len(tracks))
	}
	if tracks[0].Status != model.TrackStatusFailed {
		t.Fatalf("track status = %s, want failed", tracks[0].Status)
	}
	if tracks[0].FailReason == "" {
		t.Fatal("expected a recorded failure reason")
	}
}

func TestGenerateRejectsForeignPreallocatedTrack(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	victim := &model.Track{ID: "victim-track", UserID: 7, Prompt: "p", Provider: "suno", Status: model.TrackStatusCompleted}
	if err := f.tracks.Create(context.Background(), victim); err != nil {
		t.Fatal(err)
	}

	result, err := o.Generate(context.Background(), &GenerateRequest{
		UserID:   99,
		TrackID:  "victim-track",
		Prompt:   "a song",
		Provider: "suno",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for a foreign track id, got %v (result %+v)", err, result)
	}

	if start, _ := f.provider.calls(); start != 0 {
		t.Fatalf("start calls = %d, a rejected request must not reach the provider", start)
	}
	if task, _ := f.tasks.GetByTrackID(context.Background(), "victim-track"); task != nil {
		t.Fatalf("a task got bound to the foreign track: %+v", task)
	}
	reloaded, _ := f.tracks.GetByID(context.Background(), "victim-track")
	if reloaded.UserID != 7 || reloaded.Status != model.TrackStatusCompleted {
		t.Fatalf("foreign track was mutated: %+v", reloaded)
	}
}

func TestGenerateAdoptsOwnPreallocatedTrack(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	own := &model.Track{ID: "pre-1", UserID: 7, Prompt: "p", Provider: "suno", Status: model.TrackStatusPending}
	if err := f.tracks.Create(context.Background(), own); err != nil {
		t.Fatal(err)
	}

	result, err := o.Generate(context.Background(), &GenerateRequest{
		UserID:   7,
		TrackID:  "pre-1",
		Prompt:   "a song",
		Provider: "suno",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.TrackID != "pre-1" {
		t.Fatalf("track id = %q, want the pre-allocated pre-1", result.TrackID)
	}
	if start, _ := f.provider.calls(); start != 1 {
		t.Fatalf("start calls = %d, want 1", start)
	}
}

func TestDeriveTitleTruncatesOnRuneBoundary(t *testing.T) {
	prompt := strings.Repeat("夜", 100)
	title := deriveTitle(prompt)
	if !utf8.ValidString(title) {
		t.Fatalf("derived title is not valid UTF-8: %q", title)
	}
	if got := utf8.RuneCountInString(title); got != 60 {
		t.Fatalf("title runes = %d, want 60", got)
	}

	short := "  morning rain  "
	if got := deriveTitle(short); got != "morning rain" {
		t.Fatalf("short prompt title = %q", got)
	}
}

func TestResubmitSkipsCompletedTrack(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	track := &model.Track{ID: "t1", UserID: 7, Prompt: "p", Provider: "suno", Status: model.TrackStatusCompleted}
	if err := f.tracks.Create(context.Background(), track); err != nil {
		t.Fatal(err)
	}
	task := &model.GenerationTask{ID: "task1", TrackID: "t1", UserID: 7, Provider: "suno", Status: model.TrackStatusFailed}
	f.tasks.setTask(task)

	if err := o.Resubmit(context.Background(), task); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if start, _ := f.provider.calls(); start != 0 {
		t.Fatal("a completed track must not be resubmitted")
	}
}

func TestResubmitRestartsFailedTask(t *testing.T) {
	f := newFixture("suno")
	o := newTestOrchestrator(f)

	track := &model.Track{ID: "t1", UserID: 7, Prompt: "p", Provider: "suno", Status: model.TrackStatusFailed}
	if err := f.tracks.Create(context.Background(), track); err != nil {
		t.Fatal(err)
	}
	task := &model.GenerationTask{
		ID: "task1", TrackID: "t1", UserID: 7, Provider: "suno",
		Status: model.TrackStatusFailed, FailReason: "boom",
		AttemptCount: 42, StartedAt: time.Now().Add(-time.Hour),
	}
	f.tasks.setTask(task)

	if err := o.Resubmit(context.Background(), task); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}

	updated, _ := f.tasks.GetByID(context.Background(), "task1")
	if updated.ResubmitCount != 1 {
		t.Fatalf("resubmit count = %d, want 1", updated.ResubmitCount)
	}
	if updated.ProviderTaskID == "" {
		t.Fatal("resubmit must persist the new provider task id")
	}
	// the new remote job must not inherit the exhausted budget or deadline
	if updated.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0 after resubmit", updated.AttemptCount)
	}
	if time.Since(updated.StartedAt) > time.Minute {
		t.Fatalf("started at = %s, want reset on resubmit", updated.StartedAt)
	}
	reloaded, _ := f.tracks.GetByID(context.Background(), "t1")
	if reloaded.Status != model.TrackStatusProcessing {
		t.Fatalf("track status = %s, want processing after resubmit", reloaded.Status)
	}
}
