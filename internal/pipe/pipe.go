package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

const minSegmentSize = 4096

var (
	// ErrBufferExceeded is returned by Push when the hard cap on buffered bytes would be exceeded.
	ErrBufferExceeded = errors.New("pipe: buffered data exceeds the hard limit")
	// ErrCompleted is returned when writing to a pipe whose producer side is complete.
	ErrCompleted = errors.New("pipe: write after complete")
	// ErrInvalidAdvance is returned when Advance is asked to consume more than is buffered.
	ErrInvalidAdvance = errors.New("pipe: advance beyond buffered data")
	// ErrAborted is the abort reason used when Abort is called with a nil error.
	ErrAborted = errors.New("pipe: aborted")
)

// Options configures a Pipe. A zero value disables the corresponding limit.
type Options struct {
	// HighWatermark is the unread byte count at which the producer is paused.
	HighWatermark int64
	// LowWatermark is the unread byte count at or below which a paused producer resumes.
	// It is forced below HighWatermark.
	LowWatermark int64
	// MaxBuffered is a hard cap on unread bytes. Push fails fast once it would be exceeded.
	MaxBuffered int64

	// OnPause is called (without the pipe lock held) when unread bytes reach HighWatermark.
	OnPause func()
	// OnResume is called (without the pipe lock held) when a paused pipe drains to LowWatermark.
	OnResume func()
}

// ReadResult is the outcome of a Read.
// Data aliases the pipe's buffer and is only valid until the next Advance.
type ReadResult struct {
	Data      []byte
	Completed bool
}

// Pipe is a single-producer, single-consumer byte queue with watermark based
// backpressure. The producer calls Write/Push/Flush/Complete, the consumer
// calls Read/Advance. Abort may be called by anyone; it only records the
// reason and wakes waiters, the buffered segments are never touched.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond // Signalled on data, consumption, completion or abort

	segments [][]byte
	buffered int64 // unread bytes
	written  int64 // total bytes ever appended
	consumed int64 // total bytes ever advanced past

	paused    bool
	completed bool
	err       error // sticky abort reason

	high, low, max int64
	onPause        func()
	onResume       func()
}

// New creates a Pipe from opts.
func New(opts Options) *Pipe {
	p := &Pipe{
		high:     opts.HighWatermark,
		low:      opts.LowWatermark,
		max:      opts.MaxBuffered,
		onPause:  opts.OnPause,
		onResume: opts.OnResume,
	}
	if p.high > 0 {
		if p.low >= p.high || p.low < 0 {
			p.low = p.high / 2
		}
		if p.max > 0 && p.max < p.high {
			p.max = p.high
		}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// wakeOnDone arranges for waiters to be woken when ctx is cancelled.
// The returned func must be called once the wait is over.
func (p *Pipe) wakeOnDone(ctx context.Context) func() bool {
	if ctx == nil || ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
}

// callUnlocked runs fn with the pipe lock released. The caller holds p.mu.
func (p *Pipe) callUnlocked(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Unlock()
	fn()
	p.mu.Lock()
}

// appendLocked copies b into the buffer and reports whether the pipe became paused.
func (p *Pipe) appendLocked(b []byte) (paused bool) {
	if len(b) == 0 {
		return false
	}
	n := len(p.segments)
	if n > 0 && cap(p.segments[n-1])-len(p.segments[n-1]) >= len(b) {
		// Appending past len never changes bytes a reader may still hold.
		p.segments[n-1] = append(p.segments[n-1], b...)
	} else {
		size := len(b)
		if size < minSegmentSize {
			size = minSegmentSize
		}
		seg := make([]byte, len(b), size)
		copy(seg, b)
		p.segments = append(p.segments, seg)
	}
	p.buffered += int64(len(b))
	p.written += int64(len(b))
	p.cond.Broadcast()
	if p.high > 0 && !p.paused && p.buffered >= p.high {
		p.paused = true
		return true
	}
	return false
}

// Push appends b without waiting for backpressure to clear. It is meant for
// transport pumps that follow up with Flush. It fails with ErrBufferExceeded,
// leaving the pipe unchanged, when the hard cap would be exceeded.
func (p *Pipe) Push(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.completed {
		return ErrCompleted
	}
	if p.max > 0 && p.buffered+int64(len(b)) > p.max {
		return fmt.Errorf("%w: %d buffered + %d pushed > %d", ErrBufferExceeded, p.buffered, len(b), p.max)
	}
	if p.appendLocked(b) {
		p.callUnlocked(p.onPause)
	}
	return nil
}

// Flush blocks while the producer is paused. It returns the abort reason if
// the pipe is aborted, or the context error if ctx is done first.
func (p *Pipe) Flush(ctx context.Context) error {
	stop := p.wakeOnDone(ctx)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitWritableLocked(ctx)
}

func (p *Pipe) waitWritableLocked(ctx context.Context) error {
	for p.paused && p.err == nil {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		p.cond.Wait()
	}
	return p.err
}

// Write appends b, suspending whenever unread bytes reach the high watermark
// until the consumer drains the pipe to the low watermark. Large writes are
// split so that a producer using Write never pushes the pipe past the high
// watermark. Write returns once all of b is buffered and the pipe is not paused.
func (p *Pipe) Write(ctx context.Context, b []byte) (int, error) {
	stop := p.wakeOnDone(ctx)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for {
		if err := p.waitWritableLocked(ctx); err != nil {
			return n, err
		}
		if p.completed {
			return n, ErrCompleted
		}
		if n == len(b) {
			return n, nil
		}
		chunk := b[n:]
		if p.high > 0 {
			if room := p.high - p.buffered; int64(len(chunk)) > room {
				chunk = chunk[:room]
			}
		}
		if p.max > 0 && p.buffered+int64(len(chunk)) > p.max {
			return n, fmt.Errorf("%w: %d buffered + %d written > %d", ErrBufferExceeded, p.buffered, len(chunk), p.max)
		}
		paused := p.appendLocked(chunk)
		n += len(chunk)
		if paused {
			p.callUnlocked(p.onPause)
		}
	}
}

// Read returns the next available chunk of unread data. It blocks until data
// is available, the producer completes (Completed is set and Data is empty
// once everything has been consumed), the pipe is aborted, or ctx is done.
// Read does not consume; call Advance with the number of bytes used.
func (p *Pipe) Read(ctx context.Context) (ReadResult, error) {
	stop := p.wakeOnDone(ctx)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.err != nil {
			return ReadResult{}, p.err
		}
		if p.buffered > 0 {
			return ReadResult{Data: p.segments[0], Completed: false}, nil
		}
		if p.completed {
			return ReadResult{Completed: true}, nil
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return ReadResult{}, err
			}
		}
		p.cond.Wait()
	}
}

// Advance marks n previously read bytes as consumed, releasing capacity.
func (p *Pipe) Advance(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative count %d", ErrInvalidAdvance, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if int64(n) > p.buffered {
		return fmt.Errorf("%w: %d requested, %d buffered", ErrInvalidAdvance, n, p.buffered)
	}

	remaining := n
	for remaining > 0 {
		seg := p.segments[0]
		if len(seg) <= remaining {
			remaining -= len(seg)
			p.segments[0] = nil
			p.segments = p.segments[1:]
			continue
		}
		p.segments[0] = seg[remaining:]
		remaining = 0
	}
	if len(p.segments) == 0 {
		p.segments = nil
	}
	p.buffered -= int64(n)
	p.consumed += int64(n)
	p.cond.Broadcast()

	if p.paused && p.buffered <= p.low {
		p.paused = false
		p.callUnlocked(p.onResume)
	}
	return nil
}

// Complete signals that no more data will be produced. Buffered data can
// still be read. Completing twice is a no-op.
func (p *Pipe) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.completed {
		p.completed = true
		p.cond.Broadcast()
	}
}

// Abort fails every waiting and future operation with reason. Only the first
// reason is kept.
func (p *Pipe) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = reason
		p.cond.Broadcast()
	}
}

// Err returns the abort reason, if any.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Buffered returns the number of unread bytes.
func (p *Pipe) Buffered() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

// Paused reports whether the producer is currently paused.
func (p *Pipe) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Completed reports whether Complete has been called.
func (p *Pipe) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Written returns the producer sequence number: total bytes appended.
func (p *Pipe) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Consumed returns the consumer sequence number: total bytes advanced past.
func (p *Pipe) Consumed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

// Reader adapts the consumer side of a Pipe to io.Reader.
type Reader struct {
	P   *Pipe
	Ctx context.Context
}

func (r *Reader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	res, err := r.P.Read(r.Ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Data) == 0 && res.Completed {
		return 0, io.EOF
	}
	n := copy(b, res.Data)
	if err := r.P.Advance(n); err != nil {
		return 0, err
	}
	return n, nil
}

// Writer adapts the producer side of a Pipe to io.Writer.
type Writer struct {
	P   *Pipe
	Ctx context.Context
}

func (w *Writer) Write(b []byte) (int, error) {
	return w.P.Write(w.Ctx, b)
}
