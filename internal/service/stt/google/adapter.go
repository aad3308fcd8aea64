// Package google provides a Google Cloud Speech-to-Text backend: batch
// recognition for chunks and streaming recognition for live delivery.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"

	"clinscribe/internal/models"
	"clinscribe/internal/service/segment"
	"clinscribe/internal/service/stt"
)

// Name is the registry name of the Google backend.
const Name = "google"

// Config holds recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
	// LongRunningAfterBytes switches batch calls to LongRunningRecognize for
	// larger chunks; synchronous Recognize only accepts about a minute of audio.
	LongRunningAfterBytes int
}

// DefaultConfig returns settings for browser-style WebM/Opus capture.
func DefaultConfig() Config {
	return Config{
		LanguageCode:          "en-US",
		SampleRateHz:          48000,
		InterimResults:        false,
		AudioEncoding:         "WEBM_OPUS",
		LongRunningAfterBytes: 1024 * 1024,
	}
}

// parseAudioEncoding converts a string encoding name to the Google Speech API enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognizer is the subset of the Speech client the adapter uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)
	Close() error
}

type client struct {
	c *speech.Client
}

func (c client) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return c.c.Recognize(ctx, req)
}

func (c client) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := c.c.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (c client) StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	return c.c.StreamingRecognize(ctx)
}

func (c client) Close() error { return c.c.Close() }

// Option customises an Adapter.
type Option func(*Adapter)

// WithFeed supplies the captured audio for live recognition. Without a feed
// the adapter is batch-only and StartLive fails.
func WithFeed(feed stt.Feed) Option {
	return func(a *Adapter) { a.feed = feed }
}

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// Adapter implements stt.LiveBackend using Google Cloud Speech-to-Text.
type Adapter struct {
	rec  recognizer
	cfg  Config
	feed stt.Feed
	log  zerolog.Logger

	mu   sync.Mutex
	live *liveStream
}

// New creates a Google backend.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return newAdapter(client{c: c}, cfg, opts...), nil
}

func newAdapter(rec recognizer, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{rec: rec, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return Name }

// IsSupported reports whether a client was created.
func (a *Adapter) IsSupported() bool { return a.rec != nil }

// Close releases the underlying client.
func (a *Adapter) Close() error {
	_ = a.StopLive()
	if a.rec == nil {
		return nil
	}
	return a.rec.Close()
}

func (a *Adapter) recognitionConfig() *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
		SampleRateHertz:            int32(a.cfg.SampleRateHz),
		LanguageCode:               a.cfg.LanguageCode,
		Model:                      a.cfg.Model,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
	}
}

// Transcribe recognizes the whole chunk. Chunks above LongRunningAfterBytes
// go through LongRunningRecognize.
func (a *Adapter) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	if chunk.Size() == 0 {
		return nil, stt.Fatal(Name, errors.New("empty audio chunk"))
	}
	start := time.Now()
	audio := &speechpb.RecognitionAudio{
		AudioSource: &speechpb.RecognitionAudio_Content{Content: chunk.Data},
	}

	var results []*speechpb.SpeechRecognitionResult
	if a.cfg.LongRunningAfterBytes > 0 && chunk.Size() > a.cfg.LongRunningAfterBytes {
		resp, err := a.rec.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
			Config: a.recognitionConfig(),
			Audio:  audio,
		})
		if err != nil {
			return nil, stt.Tag(Name, fmt.Errorf("long running recognize: %w", err))
		}
		results = resp.GetResults()
	} else {
		resp, err := a.rec.Recognize(ctx, &speechpb.RecognizeRequest{
			Config: a.recognitionConfig(),
			Audio:  audio,
		})
		if err != nil {
			return nil, stt.Tag(Name, fmt.Errorf("recognize: %w", err))
		}
		results = resp.GetResults()
	}

	segs, confidence, lang := toSegments(results)
	if lang == "" {
		lang = a.cfg.LanguageCode
	}
	return &stt.Result{
		Segments:       segs,
		Confidence:     confidence,
		ProcessingTime: time.Since(start),
		Language:       lang,
		Backend:        Name,
	}, nil
}

// toSegments turns recognition results into segments, one per result. The
// first word offset gives the timestamp; without word offsets the previous
// result's end time is used.
func toSegments(results []*speechpb.SpeechRecognitionResult) ([]models.TranscriptSegment, float64, string) {
	var (
		segs    []models.TranscriptSegment
		sum     float64
		lang    string
		prevEnd float64
	)
	for _, r := range results {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		ts := prevEnd
		if words := alt.GetWords(); len(words) > 0 {
			ts = offset(words[0].GetStartTime())
		}
		prevEnd = offset(r.GetResultEndTime())
		if alt.GetTranscript() == "" {
			continue
		}
		if lang == "" {
			lang = r.GetLanguageCode()
		}
		conf := float64(alt.GetConfidence())
		sum += conf
		segs = append(segs, models.TranscriptSegment{
			ID:         segment.NewID(),
			Timestamp:  ts,
			Speaker:    models.SpeakerUnknown,
			Text:       alt.GetTranscript(),
			Confidence: models.Float(conf),
		})
	}
	if len(segs) == 0 {
		return segs, 0, lang
	}
	return segs, sum / float64(len(segs)), lang
}

func offset(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}
