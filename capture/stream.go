// Package capture turns a camera into a bounded stream of JPEG frames and
// keeps it connected.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"camfleet/utils"
)

const maxFrameSize = 8 << 20

var (
	ErrStreamEnded = errors.New("stream ended")
	ErrGaveUp      = errors.New("capture gave up reconnecting")

	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// OpenFunc starts one capture session, closing the reader ends it
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// SplitJPEG is a bufio.SplitFunc yielding whole JPEG images. Bytes outside
// SOI/EOI markers are skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}

type Options struct {
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	FrameBuffer          int
	// Called from the capture goroutine
	OnReconnecting func(attempt int, err error)
	OnReconnected  func()
}

// Stream is a running capture. Frames is closed once the stream is done.
type Stream struct {
	frames chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	received atomic.Uint64
	dropped  atomic.Uint64
}

// Start runs the capture in the background until Stop is called, ctx is
// done, or MaxReconnectAttempts consecutive sessions fail.
func Start(ctx context.Context, open OpenFunc, opts Options) *Stream {
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frames: make(chan []byte, opts.FrameBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, open, opts)
	return s
}

func (s *Stream) Frames() <-chan []byte {
	return s.frames
}

func (s *Stream) Stop() {
	s.cancel()
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err is nil for a stream that was stopped, valid once Done is closed
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) Stats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

func (s *Stream) run(ctx context.Context, open OpenFunc, opts Options) {
	defer close(s.done)
	defer close(s.frames)

	attempt := 0
	delay := opts.BaseDelay
	for {
		connected := false
		err := s.session(ctx, open, func() {
			connected = true
			if attempt > 0 && opts.OnReconnected != nil {
				opts.OnReconnected()
			}
			attempt = 0
			delay = opts.BaseDelay
		})
		if ctx.Err() != nil {
			return
		}
		attempt++
		if attempt > opts.MaxReconnectAttempts {
			s.err = fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, opts.MaxReconnectAttempts, err)
			return
		}
		if connected {
			log.Printf("capture session lost: %v", err)
		}
		if opts.OnReconnecting != nil {
			opts.OnReconnecting(attempt, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(utils.Jitter(delay)):
			delay = utils.NextBackoff(delay, opts.MaxDelay)
		}
	}
}

// session reads one connection to the end. firstFrame runs when the first
// frame arrives.
func (s *Stream) session(ctx context.Context, open OpenFunc, firstFrame func()) error {
	rc, err := open(ctx)
	if err != nil {
		return err
	}
	// Unblock the scanner when stopped
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	scanner.Split(SplitJPEG)
	first := true
	for scanner.Scan() {
		if first {
			firstFrame()
			first = false
		}
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		s.push(frame)
	}
	err = scanner.Err()
	if closeErr := rc.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = ErrStreamEnded
	}
	return err
}

// push hands the frame over, replacing the oldest one when the consumer lags
func (s *Stream) push(frame []byte) {
	s.received.Add(1)
	select {
	case s.frames <- frame:
		return
	default:
	}
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- frame:
	default:
		s.dropped.Add(1)
	}
}
