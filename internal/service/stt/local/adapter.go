// Package local runs an on-device whisper.cpp recognizer on audio chunks.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clinscribe/internal/models"
	"clinscribe/internal/service/segment"
	"clinscribe/internal/service/stt"
)

// Name is the registry name of the local backend.
const Name = "local"

// Config locates the binaries and model.
type Config struct {
	WhisperBinary string // whisper.cpp CLI, e.g. whisper-cli
	FFmpegBinary  string
	ModelPath     string // ggml model file
	Threads       int
	Language      string // BCP-47; the primary subtag is passed to whisper
}

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Adapter implements stt.Backend. It is batch-only.
type Adapter struct {
	cfg      Config
	run      runFunc
	lookPath func(string) (string, error)
}

// New creates a local backend.
func New(cfg Config) *Adapter {
	if cfg.WhisperBinary == "" {
		cfg.WhisperBinary = "whisper-cli"
	}
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &Adapter{cfg: cfg, run: execRun, lookPath: exec.LookPath}
}

func (a *Adapter) Name() string { return Name }

// IsSupported reports whether both binaries are on PATH and the model file exists.
func (a *Adapter) IsSupported() bool {
	if a.cfg.ModelPath == "" {
		return false
	}
	if _, err := os.Stat(a.cfg.ModelPath); err != nil {
		return false
	}
	for _, bin := range []string{a.cfg.WhisperBinary, a.cfg.FFmpegBinary} {
		if _, err := a.lookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Transcribe converts the chunk to 16 kHz mono WAV and runs whisper on it.
// Conversion failures are fatal since no backend can decode the chunk;
// recognizer failures are transient so a remote backend can take over.
func (a *Adapter) Transcribe(ctx context.Context, chunk stt.AudioChunk) (*stt.Result, error) {
	if chunk.Size() == 0 {
		return nil, stt.Fatal(Name, errors.New("empty audio chunk"))
	}
	start := time.Now()

	dir, err := os.MkdirTemp("", "clinscribe-local-*")
	if err != nil {
		return nil, stt.Transient(Name, err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "chunk.audio")
	wav := filepath.Join(dir, "chunk.wav")
	prefix := filepath.Join(dir, "out")

	if err := os.WriteFile(src, chunk.Data, 0o600); err != nil {
		return nil, stt.Transient(Name, fmt.Errorf("write chunk: %w", err))
	}

	_, err = a.run(ctx, a.cfg.FFmpegBinary,
		"-y", "-loglevel", "error",
		"-i", src,
		"-ar", "16000",
		"-ac", "1",
		"-f", "wav",
		wav,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stt.Transient(Name, ctx.Err())
		}
		return nil, stt.Fatal(Name, fmt.Errorf("convert audio: %w", err))
	}

	args := []string{
		"-m", a.cfg.ModelPath,
		"-f", wav,
		"-t", strconv.Itoa(a.cfg.Threads),
		"-oj", "-of", prefix,
		"-np",
	}
	if lang := primaryLanguage(a.cfg.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if _, err := a.run(ctx, a.cfg.WhisperBinary, args...); err != nil {
		if ctx.Err() != nil {
			return nil, stt.Transient(Name, ctx.Err())
		}
		return nil, stt.Transient(Name, fmt.Errorf("run whisper: %w", err))
	}

	raw, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return nil, stt.Transient(Name, fmt.Errorf("read whisper output: %w", err))
	}
	segs, lang, err := parseOutput(raw)
	if err != nil {
		return nil, stt.Fatal(Name, err)
	}
	if lang == "" {
		lang = a.cfg.Language
	}

	return &stt.Result{
		Segments:       segs,
		ProcessingTime: time.Since(start),
		Language:       lang,
		Backend:        Name,
	}, nil
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"` // milliseconds
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// parseOutput reads whisper.cpp JSON output (-oj).
func parseOutput(raw []byte) ([]models.TranscriptSegment, string, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, "", fmt.Errorf("parse whisper output: %w", err)
	}
	segs := make([]models.TranscriptSegment, 0, len(out.Transcription))
	for _, t := range out.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" || isNonSpeech(text) {
			continue
		}
		segs = append(segs, models.TranscriptSegment{
			ID:        segment.NewID(),
			Timestamp: float64(t.Offsets.From) / 1000,
			Speaker:   models.SpeakerUnknown,
			Text:      text,
		})
	}
	return segs, out.Result.Language, nil
}

// isNonSpeech matches whisper's bracketed annotations such as [BLANK_AUDIO].
func isNonSpeech(text string) bool {
	return (strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) ||
		(strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")"))
}

func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
