package llm

import "context"

// ChanStream is a channel-backed ProviderStream implementation shared by the
// vendor adapters: each adapter runs its own SDK-specific read loop in a
// goroutine and pushes translated StreamEvents onto the channel.
type ChanStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChanStream creates a ChanStream with the given buffer depth and a
// cancel function invoked by Close.
func NewChanStream(buf int, cancel context.CancelFunc) *ChanStream {
	return &ChanStream{
		events: make(chan StreamEvent, buf),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Push is called by the adapter's read loop; it must not be called after
// Close returns.
func (s *ChanStream) Push(ev StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Finish signals the read loop has exited (StreamEnd already pushed).
func (s *ChanStream) Finish() {
	close(s.events)
}

func (s *ChanStream) Recv(ctx context.Context) (StreamEvent, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return StreamEvent{Kind: EventStreamEnd, FinishReason: FinishCancelled, Err: ctx.Err()}, true
	}
}

func (s *ChanStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
