package provider

import (
	"fmt"
	"strconv"
)

// Provider responses are duck-typed and the field naming drifts between
// provider versions (audio_url vs audioUrl vs url, image_url vs cover, ...).
// Everything funnels through these normalizers at the adapter boundary so
// the rest of the system only ever sees the canonical Clip.

func pickString(raw map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func pickFloat(raw map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n > 0 {
				return n
			}
		case int:
			if n > 0 {
				return float64(n)
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil && f > 0 {
				return f
			}
		}
	}
	return 0
}

// NormalizeClip maps one raw provider clip object into the canonical form.
// fallbackIndex seeds the clip id when the provider omitted one.
func NormalizeClip(raw map[string]interface{}, fallbackIndex int) Clip {
	clip := Clip{
		ID:       pickString(raw, "id", "clip_id", "clipId", "song_id", "songId", "audio_id", "audioId"),
		Title:    pickString(raw, "title", "name", "song_name", "songName"),
		AudioURL: pickString(raw, "audio_url", "audioUrl", "url", "stream_audio_url", "streamAudioUrl", "mp3_url", "mp3Url"),
		CoverURL: pickString(raw, "cover_url", "coverUrl", "image_url", "imageUrl", "cover", "image_large_url", "imageLargeUrl"),
		VideoURL: pickString(raw, "video_url", "videoUrl", "mv_url", "mvUrl"),
		Duration: pickFloat(raw, "duration", "duration_seconds", "durationSeconds", "audio_duration", "duration_milliseconds"),
		Lyrics:   pickString(raw, "lyrics", "lyric", "prompt_lyrics", "lyrics_text"),
		Raw:      raw,
	}

	// Millisecond durations show up in some provider versions.
	if ms := pickFloat(raw, "duration_milliseconds", "durationMs"); ms > 1000 && clip.Duration == ms {
		clip.Duration = ms / 1000
	}

	if clip.ID == "" {
		clip.ID = fmt.Sprintf("clip-%d", fallbackIndex)
	}
	return clip
}

// NormalizeClips maps a raw clip array, dropping entries that carry no
// playable media at all.
func NormalizeClips(rawClips []map[string]interface{}) []Clip {
	clips := make([]Clip, 0, len(rawClips))
	for i, raw := range rawClips {
		clip := NormalizeClip(raw, i)
		if clip.AudioURL == "" && clip.VideoURL == "" {
			continue
		}
		clips = append(clips, clip)
	}
	return clips
}
