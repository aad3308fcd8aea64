// Package generative transcribes chunks through a generative model API.
package generative

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"clinscribe/internal/genai"
	"clinscribe/internal/models"
	"clinscribe/internal/service/segment"
	"clinscribe/internal/service/stt"
)

// Name is the registry name of the generative backend.
const Name = "generative"

// Config holds the model settings.
type Config struct {
	Model    string
	Language string // BCP-47, e.g. en-US; only the primary subtag is sent
	Prompt   string
}

// Adapter implements stt.Backend. It is batch-only.
type Adapter struct {
	client *genai.Client
	cfg    Config
}

// New creates a generative backend on top of client.
func New(client *genai.Client, cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Name() string { return Name }

// IsSupported reports whether an API key is configured.
func (a *Adapter) IsSupported() bool { return a.client.Configured() }

func (a *Adapter) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	if chunk.Size() == 0 {
		return nil, stt.Fatal(Name, errors.New("empty audio chunk"))
	}
	start := time.Now()

	tr, err := a.client.Transcribe(ctx, genai.TranscriptionRequest{
		Model:    a.cfg.Model,
		Audio:    chunk.Data,
		Filename: filename(chunk.MimeType),
		Language: primaryLanguage(a.cfg.Language),
		Prompt:   a.cfg.Prompt,
	})
	if err != nil {
		if errors.Is(err, genai.ErrNoAPIKey) {
			return nil, stt.Fatal(Name, err)
		}
		return nil, stt.Tag(Name, fmt.Errorf("transcribe: %w", err))
	}

	segs, conf := toSegments(tr)
	return &stt.Result{
		Segments:       segs,
		Confidence:     conf,
		ProcessingTime: time.Since(start),
		Language:       tr.Language,
		Backend:        Name,
	}, nil
}

// toSegments converts the verbose response. Segment confidence is the
// exponentiated average log probability; a response without segments
// becomes a single segment carrying the full text.
func toSegments(tr *genai.Transcription) ([]models.TranscriptSegment, float64) {
	if len(tr.Segments) == 0 {
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			return nil, 0
		}
		return []models.TranscriptSegment{{
			ID:      segment.NewID(),
			Speaker: models.SpeakerUnknown,
			Text:    text,
		}}, 0
	}

	segs := make([]models.TranscriptSegment, 0, len(tr.Segments))
	var sum float64
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		conf := math.Exp(s.AvgLogprob)
		if conf > 1 {
			conf = 1
		}
		sum += conf
		segs = append(segs, models.TranscriptSegment{
			ID:         segment.NewID(),
			Timestamp:  s.Start,
			Speaker:    models.SpeakerUnknown,
			Text:       text,
			Confidence: models.Float(conf),
		})
	}
	if len(segs) == 0 {
		return segs, 0
	}
	return segs, sum / float64(len(segs))
}

func filename(mime string) string {
	switch {
	case strings.Contains(mime, "ogg"):
		return "audio.ogg"
	case strings.Contains(mime, "wav"):
		return "audio.wav"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return "audio.m4a"
	case strings.Contains(mime, "mpeg"):
		return "audio.mp3"
	default:
		return "audio.webm"
	}
}

func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
