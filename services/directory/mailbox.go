package directory

import (
	"context"
	"sync"

	"github.com/bsv-blockchain/tracker/errors"
)

// Mailbox is the bounded FIFO queue in front of one directory instance. Once the
// instance exits the mailbox is closed and every pending or later send fails with
// errors.ErrMailboxClosed.
type Mailbox struct {
	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 1
	}

	return &Mailbox{
		requests: make(chan request, size),
		done:     make(chan struct{}),
	}
}

func (m *Mailbox) send(ctx context.Context, req request) error {
	// a closed mailbox must win over free buffer space
	select {
	case <-m.done:
		return errors.NewMailboxClosedError("[Directory] mailbox closed, %s not delivered", req.kind())
	default:
	}

	select {
	case m.requests <- req:
		return nil
	case <-m.done:
		return errors.NewMailboxClosedError("[Directory] mailbox closed, %s not delivered", req.kind())
	case <-ctx.Done():
		return errors.NewContextCanceledError("[Directory] %s not delivered", req.kind(), ctx.Err())
	}
}

// Close marks the mailbox dead. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// Done is closed once the mailbox no longer accepts requests.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Len is the number of queued requests.
func (m *Mailbox) Len() int {
	return len(m.requests)
}
