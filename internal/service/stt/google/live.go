package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"clinscribe/internal/models"
	"clinscribe/internal/service/segment"
	"clinscribe/internal/service/stt"
)

type liveStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

// StartLive opens a streaming recognition session, sends the initial config
// and starts pumping captured audio from the feed. Final results are
// delivered to fn.
func (a *Adapter) StartLive(ctx context.Context, fn stt.SegmentFunc) error {
	if a.feed == nil {
		return stt.Fatal(Name, stt.ErrLiveUnsupported)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live != nil {
		return stt.Fatal(Name, errors.New("live recognition already running"))
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := a.rec.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return stt.Tag(Name, fmt.Errorf("open stream: %w", err))
	}

	// Send streaming config as the first message
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         a.recognitionConfig(),
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return stt.Tag(Name, fmt.Errorf("send streaming config: %w", err))
	}

	audio, unsub := a.feed()
	ls := &liveStream{stream: stream, cancel: cancel, unsub: unsub}
	ls.wg.Add(2)
	go a.pump(ctx, ls, audio)
	go a.listen(ls, fn)
	a.live = ls
	return nil
}

// StopLive ends the streaming session and waits for its goroutines. Idempotent.
func (a *Adapter) StopLive() error {
	a.mu.Lock()
	ls := a.live
	a.live = nil
	a.mu.Unlock()

	if ls == nil {
		return nil
	}
	ls.unsub()
	ls.cancel()
	ls.wg.Wait()
	return nil
}

// pump forwards captured audio to the stream until the feed closes or ctx ends.
func (a *Adapter) pump(ctx context.Context, ls *liveStream, audio <-chan []byte) {
	defer ls.wg.Done()
	defer ls.stream.CloseSend()

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-audio:
			if !ok {
				return
			}
			err := ls.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: buf,
				},
			})
			if err != nil {
				a.log.Warn().Err(err).Msg("Streaming send failed")
				return
			}
		}
	}
}

// listen receives responses and forwards final results until the stream ends.
func (a *Adapter) listen(ls *liveStream, fn stt.SegmentFunc) {
	defer ls.wg.Done()

	for {
		resp, err := ls.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				a.log.Warn().Err(err).Str("category", string(stt.Classify(err))).Msg("Streaming recognition ended")
			}
			return
		}

		for _, r := range resp.GetResults() {
			if seg, ok := finalSegment(r); ok {
				fn(seg)
			}
		}
	}
}

func finalSegment(r *speechpb.StreamingRecognitionResult) (models.TranscriptSegment, bool) {
	if !r.GetIsFinal() || len(r.GetAlternatives()) == 0 {
		return models.TranscriptSegment{}, false
	}
	alt := r.GetAlternatives()[0]
	if alt.GetTranscript() == "" {
		return models.TranscriptSegment{}, false
	}
	ts := offset(r.GetResultEndTime())
	if words := alt.GetWords(); len(words) > 0 {
		ts = offset(words[0].GetStartTime())
	}
	return models.TranscriptSegment{
		ID:         segment.NewID(),
		Timestamp:  ts,
		Speaker:    models.SpeakerUnknown,
		Text:       alt.GetTranscript(),
		Confidence: models.Float(float64(alt.GetConfidence())),
	}, true
}
