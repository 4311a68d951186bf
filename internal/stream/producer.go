package stream

import (
	"context"
	"io"
)

// Producer yields chunks of model output. Recv returns io.EOF on normal
// completion and context.Canceled when it observed cancellation between
// chunks. The session closes the producer if it implements io.Closer.
type Producer interface {
	Recv() (string, error)
}

// SliceProducer replays a fixed chunk sequence, observing ctx between
// chunks. Used by the simulated provider and by tests.
type SliceProducer struct {
	ctx    context.Context
	chunks []string
	pos    int
}

// NewSliceProducer creates a producer over a fixed chunk sequence.
func NewSliceProducer(ctx context.Context, chunks []string) *SliceProducer {
	return &SliceProducer{ctx: ctx, chunks: chunks}
}

func (p *SliceProducer) Recv() (string, error) {
	if err := p.ctx.Err(); err != nil {
		return "", err
	}
	if p.pos >= len(p.chunks) {
		return "", io.EOF
	}
	chunk := p.chunks[p.pos]
	p.pos++
	return chunk, nil
}

// ChanProducer bridges a channel of chunks into a Producer. Closing the
// channel completes the stream; an error sent on errc fails it.
type ChanProducer struct {
	ctx    context.Context
	chunks <-chan string
	errc   <-chan error
}

// NewChanProducer creates a channel-backed producer.
func NewChanProducer(ctx context.Context, chunks <-chan string, errc <-chan error) *ChanProducer {
	return &ChanProducer{ctx: ctx, chunks: chunks, errc: errc}
}

func (p *ChanProducer) Recv() (string, error) {
	select {
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	case err := <-p.errc:
		return "", err
	case chunk, ok := <-p.chunks:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	}
}
