package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"clinscribe/internal/service/stt"
)

// FileCapture mirrors a file that an external recorder appends to (for
// example `ffmpeg -f pulse -i default out.webm`). Appended bytes are copied
// into a Recorder as fsnotify reports writes. While paused the file is not
// read; reading continues from the last offset on Resume, so the external
// recorder is expected to honour pauses itself.
type FileCapture struct {
	path string
	rec  *Recorder
	log  zerolog.Logger

	mu     sync.Mutex
	offset int64
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Capture = (*FileCapture)(nil)

// NewFileCapture creates a capture for path. The file may not exist yet.
func NewFileCapture(path string, cfg Config, log zerolog.Logger) *FileCapture {
	return &FileCapture{
		path: filepath.Clean(path),
		rec:  NewRecorder(cfg),
		log:  log,
	}
}

func (f *FileCapture) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so creation and replacement are both seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	if err := f.rec.Start(ctx); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.offset = 0
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	f.drain()
	go f.watch(ctx, watcher, done)
	return nil
}

func (f *FileCapture) watch(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				f.drain()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Str("path", f.path).Msg("audio file watcher error")
		}
	}
}

// drain copies whatever has been appended since the last read.
func (f *FileCapture) drain() {
	if f.rec.State().IsPaused {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.log.Warn().Err(err).Str("path", f.path).Msg("failed to open audio file")
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		// Truncated or replaced; reading restarts at the new beginning.
		f.log.Warn().Str("path", f.path).Int64("offset", f.offset).Int64("size", info.Size()).Msg("audio file shrank")
		f.offset = 0
	}
	if info.Size() == f.offset {
		return
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}
	n, err := io.Copy(f.rec, io.LimitReader(file, info.Size()-f.offset))
	f.offset += n
	if err != nil {
		f.log.Error().Err(err).Str("path", f.path).Msg("failed to buffer audio")
	}
}

func (f *FileCapture) stopWatching() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *FileCapture) Pause() error { return f.rec.Pause() }

func (f *FileCapture) Resume() error {
	if err := f.rec.Resume(); err != nil {
		return err
	}
	f.drain()
	return nil
}

func (f *FileCapture) Stop() ([]byte, error) {
	f.stopWatching()
	f.drain()
	return f.rec.Stop()
}

func (f *FileCapture) CurrentBuffer() stt.AudioChunk { return f.rec.CurrentBuffer() }

func (f *FileCapture) State() State { return f.rec.State() }

func (f *FileCapture) OnStateChange(fn func(State)) func() { return f.rec.OnStateChange(fn) }

// Tap subscribes to appended audio. It matches stt.Feed.
func (f *FileCapture) Tap() (<-chan []byte, func()) { return f.rec.Tap() }
