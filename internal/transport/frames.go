package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
)

type frameItem struct {
	pcm []byte
	err error
}

// FrameSubscriber turns audio.frame.<session> messages into a segmenter
// frame source. Frames arriving while the buffer is full are dropped so the
// bus callback never blocks.
type FrameSubscriber struct {
	sub        *nats.Subscription
	frames     chan frameItem
	closed     chan struct{}
	once       sync.Once
	sampleRate int
	logger     *slog.Logger
	dropped    atomic.Int64
}

func SubscribeFrames(conn *nats.Conn, sessionID string, sampleRate, buffer int, logger *slog.Logger) (*FrameSubscriber, error) {
	if buffer <= 0 {
		buffer = 1
	}
	f := &FrameSubscriber{
		frames:     make(chan frameItem, buffer),
		closed:     make(chan struct{}),
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "frame-subscriber"), slog.String("session_id", sessionID)),
	}
	sub, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+"."+sessionID, f.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	f.sub = sub
	return f, nil
}

func (f *FrameSubscriber) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	item := frameItem{}
	switch err := json.Unmarshal(msg.Data, &frame); {
	case err != nil:
		item.err = fmt.Errorf("%w: %v", segmenter.ErrMalformedFrame, err)
	case frame.Channels > 1:
		item.err = fmt.Errorf("%w: %d channels", segmenter.ErrMalformedFrame, frame.Channels)
	case frame.SampleRate != 0 && frame.SampleRate != f.sampleRate:
		item.err = fmt.Errorf("%w: sample rate %d, want %d", segmenter.ErrMalformedFrame, frame.SampleRate, f.sampleRate)
	default:
		item.pcm = frame.PCM
	}
	if item.err != nil || len(item.pcm) > 0 {
		select {
		case f.frames <- item:
		default:
			if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
				f.logger.Warn("frame buffer full, dropping frames", slog.Int64("dropped", n))
			}
		}
	}
	if frame.Final {
		f.Close()
	}
}

// ReadFrame returns buffered frames first and io.EOF once the stream is
// closed and drained.
func (f *FrameSubscriber) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case item := <-f.frames:
		return item.pcm, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		select {
		case item := <-f.frames:
			return item.pcm, item.err
		default:
			return nil, io.EOF
		}
	}
}

// Dropped counts frames discarded because the buffer was full.
func (f *FrameSubscriber) Dropped() int64 {
	return f.dropped.Load()
}

func (f *FrameSubscriber) Close() {
	f.once.Do(func() {
		if f.sub != nil {
			_ = f.sub.Unsubscribe()
		}
		close(f.closed)
	})
}
