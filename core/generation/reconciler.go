package generation

import (
	"context"
	"errors"
	"fmt"
	"path"

	"MeloForge/core/provider"
	"MeloForge/logger"
	"MeloForge/model"
	"MeloForge/repository"
)

var (
	// ErrVariantNotFound 变体不存在
	ErrVariantNotFound = errors.New("variant not found")
	// ErrPrimaryVariant 原始变体不可删除
	ErrPrimaryVariant = errors.New("the primary variant cannot be deleted")
	// ErrLastVariant 最后一个非原始变体不可删除
	ErrLastVariant = errors.New("the sole remaining non-primary variant cannot be deleted")
)

// VariantCache is the listing cache the reconciler invalidates on writes.
type VariantCache interface {
	Get(ctx context.Context, trackID string) ([]*model.TrackVariant, error)
	Set(ctx context.Context, trackID string, variants []*model.TrackVariant) error
	Invalidate(ctx context.Context, trackID string) error
}

// Archiver re-hosts remote media and returns a stable URL.
type Archiver interface {
	Archive(ctx context.Context, remoteURL, objectName string) (string, error)
}

// Notifier pushes track change events to connected clients.
type Notifier interface {
	NotifyTrackUpdate(userID int64, track *model.Track)
}

// Reconciler maintains the track/variant invariants for both completion
// channels and for user-initiated rollback and delete.
type Reconciler struct {
	tracks   repository.TrackRepository
	variants repository.VariantRepository
	cache    VariantCache
	archiver Archiver
	notifier Notifier
}

// NewReconciler 创建变体调和器
// cache, archiver and notifier may be nil; the reconciler then skips the
// corresponding side effects.
func NewReconciler(
	tracks repository.TrackRepository,
	variants repository.VariantRepository,
	cache VariantCache,
	archiver Archiver,
	notifier Notifier,
) *Reconciler {
	return &Reconciler{
		tracks:   tracks,
		variants: variants,
		cache:    cache,
		archiver: archiver,
		notifier: notifier,
	}
}

// Finalize applies a completed payload from either completion channel.
// Clips upsert by (track, index), variant 0 is the primary, and the first
// finalization makes variant 0 preferred unless a preference already exists.
// The terminal status write is first-wins: a second channel arriving later
// is a no-op for the track status.
func (r *Reconciler) Finalize(ctx context.Context, track *model.Track, clips []provider.Clip) error {
	if len(clips) == 0 {
		return fmt.Errorf("finalize requires at least one clip for track %s", track.ID)
	}

	for i, clip := range clips {
		variant := &model.TrackVariant{
			TrackID:      track.ID,
			VariantIndex: i,
			IsPrimary:    i == 0,
			Title:        clip.Title,
			AudioURL:     r.archive(ctx, track.ID, i, "audio", clip.AudioURL),
			CoverURL:     r.archive(ctx, track.ID, i, "cover", clip.CoverURL),
			VideoURL:     r.archive(ctx, track.ID, i, "video", clip.VideoURL),
			Duration:     clip.Duration,
			Lyrics:       clip.Lyrics,
			Source:       clip.Raw,
		}
		if err := r.variants.Upsert(ctx, variant); err != nil {
			return fmt.Errorf("failed to upsert variant %d for track %s: %w", i, track.ID, err)
		}
	}

	stored, err := r.variants.GetByTrackID(ctx, track.ID)
	if err != nil {
		return fmt.Errorf("failed to list variants for track %s: %w", track.ID, err)
	}

	hasPreferred, err := r.variants.HasPreferred(ctx, track.ID)
	if err != nil {
		return fmt.Errorf("failed to check preferred variant for track %s: %w", track.ID, err)
	}
	if !hasPreferred {
		for _, v := range stored {
			if v.VariantIndex == 0 {
				if err := r.variants.SetPreferred(ctx, track.ID, v.ID); err != nil {
					return fmt.Errorf("failed to set default preferred variant for track %s: %w", track.ID, err)
				}
				break
			}
		}
	}

	won, err := r.tracks.AdvanceStatus(ctx, track.ID, model.TrackStatusCompleted, "")
	if err != nil {
		return fmt.Errorf("failed to complete track %s: %w", track.ID, err)
	}

	if won {
		display := r.SelectDisplayVariant(track, stored)
		if display != nil {
			if err := r.tracks.UpdateMedia(ctx, track.ID, display.AudioURL, display.CoverURL, display.VideoURL, display.Duration); err != nil {
				logger.Warn("failed to update track media after completion",
					logger.String("trackId", track.ID),
					logger.ErrorField(err))
			}
		}
		track.Status = model.TrackStatusCompleted
		if r.notifier != nil {
			r.notifier.NotifyTrackUpdate(track.UserID, track)
		}
	}

	r.invalidate(ctx, track.ID)
	return nil
}

// UpsertPartial stores streaming clips from an intermediate stage. The
// provider-hosted URLs are kept as-is; re-hosting waits for the final
// payload. Preference flags are left alone.
func (r *Reconciler) UpsertPartial(ctx context.Context, track *model.Track, clips []provider.Clip) error {
	for i, clip := range clips {
		if clip.AudioURL == "" && clip.VideoURL == "" {
			continue
		}
		variant := &model.TrackVariant{
			TrackID:      track.ID,
			VariantIndex: i,
			IsPrimary:    i == 0,
			Title:        clip.Title,
			AudioURL:     clip.AudioURL,
			CoverURL:     clip.CoverURL,
			VideoURL:     clip.VideoURL,
			Duration:     clip.Duration,
			Lyrics:       clip.Lyrics,
			Source:       clip.Raw,
		}
		if err := r.variants.Upsert(ctx, variant); err != nil {
			return fmt.Errorf("failed to upsert streaming variant %d for track %s: %w", i, track.ID, err)
		}
	}
	r.invalidate(ctx, track.ID)
	return nil
}

// archive re-hosts one media URL, degrading to the remote URL on failure.
func (r *Reconciler) archive(ctx context.Context, trackID string, index int, kind, remoteURL string) string {
	if remoteURL == "" || r.archiver == nil {
		return remoteURL
	}

	ext := path.Ext(remoteURL)
	if ext == "" || len(ext) > 5 {
		switch kind {
		case "audio":
			ext = ".mp3"
		case "cover":
			ext = ".jpg"
		case "video":
			ext = ".mp4"
		}
	}

	objectName := fmt.Sprintf("tracks/%s/%d/%s%s", trackID, index, kind, ext)
	stable, err := r.archiver.Archive(ctx, remoteURL, objectName)
	if err != nil {
		// The completion still goes through with the provider-hosted URL.
		logger.Warn("media re-hosting failed, keeping remote URL",
			logger.String("trackId", trackID),
			logger.Int("variantIndex", index),
			logger.String("kind", kind),
			logger.ErrorField(err))
		return remoteURL
	}
	return stable
}

// ListVariants returns the track's variants, serving the cached listing when
// available. Tracks from before the variant table derive read-only virtual
// variants from their embedded metadata clips; those are never persisted.
func (r *Reconciler) ListVariants(ctx context.Context, track *model.Track) ([]*model.TrackVariant, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, track.ID); err == nil && cached != nil {
			return cached, nil
		}
	}

	variants, err := r.variants.GetByTrackID(ctx, track.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants for track %s: %w", track.ID, err)
	}

	if len(variants) == 0 {
		return r.virtualVariants(track), nil
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, track.ID, variants); err != nil {
			logger.Warn("failed to cache variant listing",
				logger.String("trackId", track.ID),
				logger.ErrorField(err))
		}
	}
	return variants, nil
}

// virtualVariants derives the legacy fallback listing.
func (r *Reconciler) virtualVariants(track *model.Track) []*model.TrackVariant {
	clips := track.LegacyClips()
	if len(clips) == 0 {
		return nil
	}

	variants := make([]*model.TrackVariant, 0, len(clips))
	for i, clip := range clips {
		variants = append(variants, &model.TrackVariant{
			ID:           -int64(i + 1), // synthetic id, never a real row
			TrackID:      track.ID,
			VariantIndex: i,
			IsPrimary:    i == 0,
			IsPreferred:  i == 0,
			Title:        clip.Title,
			AudioURL:     clip.AudioURL,
			CoverURL:     clip.CoverURL,
			VideoURL:     clip.VideoURL,
			Duration:     clip.Duration,
			Lyrics:       clip.Lyrics,
			Virtual:      true,
		})
	}
	return variants
}

// SelectDisplayVariant picks the rendition presented for playback:
// explicit preferred flag, else the primary, else the first variant with
// playable media, else none. Pure read-time derivation.
func (r *Reconciler) SelectDisplayVariant(track *model.Track, variants []*model.TrackVariant) *model.TrackVariant {
	for _, v := range variants {
		if v.IsPreferred {
			return v
		}
	}
	for _, v := range variants {
		if v.IsPrimary {
			return v
		}
	}
	for _, v := range variants {
		if v.AudioURL != "" || v.VideoURL != "" {
			return v
		}
	}
	return nil
}

// Rollback makes the target variant the preferred rendition. Concurrent
// rollbacks on the same track resolve last-write-wins.
func (r *Reconciler) Rollback(ctx context.Context, trackID string, variantID int64) error {
	variant, err := r.variants.GetByID(ctx, variantID)
	if err != nil {
		return fmt.Errorf("failed to load variant %d: %w", variantID, err)
	}
	if variant == nil || variant.TrackID != trackID {
		return ErrVariantNotFound
	}

	if err := r.variants.SetPreferred(ctx, trackID, variantID); err != nil {
		return fmt.Errorf("failed to set preferred variant %d on track %s: %w", variantID, trackID, err)
	}

	if err := r.tracks.UpdateMedia(ctx, trackID, variant.AudioURL, variant.CoverURL, variant.VideoURL, variant.Duration); err != nil {
		logger.Warn("failed to update track media after rollback",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}

	r.invalidate(ctx, trackID)
	return nil
}

// DeleteVariant removes a rendition subject to the model invariants: the
// primary is never deletable, the sole remaining non-primary is never
// deletable, and a preferred target hands the flag to another non-primary
// variant before the row goes away.
func (r *Reconciler) DeleteVariant(ctx context.Context, trackID string, variantID int64) error {
	variant, err := r.variants.GetByID(ctx, variantID)
	if err != nil {
		return fmt.Errorf("failed to load variant %d: %w", variantID, err)
	}
	if variant == nil || variant.TrackID != trackID {
		return ErrVariantNotFound
	}
	if variant.IsPrimary {
		return ErrPrimaryVariant
	}

	variants, err := r.variants.GetByTrackID(ctx, trackID)
	if err != nil {
		return fmt.Errorf("failed to list variants for track %s: %w", trackID, err)
	}

	var otherNonPrimary []*model.TrackVariant
	for _, v := range variants {
		if !v.IsPrimary && v.ID != variantID {
			otherNonPrimary = append(otherNonPrimary, v)
		}
	}
	if len(otherNonPrimary) == 0 {
		return ErrLastVariant
	}

	// Reassign before deleting so "exactly one preferred" holds at every
	// observable point.
	if variant.IsPreferred {
		if err := r.variants.SetPreferred(ctx, trackID, otherNonPrimary[0].ID); err != nil {
			return fmt.Errorf("failed to reassign preferred variant on track %s: %w", trackID, err)
		}
	}

	if err := r.variants.Delete(ctx, variantID); err != nil {
		return fmt.Errorf("failed to delete variant %d: %w", variantID, err)
	}

	r.invalidate(ctx, trackID)
	return nil
}

func (r *Reconciler) invalidate(ctx context.Context, trackID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, trackID); err != nil {
		logger.Warn("failed to invalidate variant cache",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}
}
