package ws

import (
	"errors"
	"sync"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const DefaultSendBuffer = 256

// outbox is the non-blocking send side shared by both socket transports.
// A pump goroutine drains queue until done is closed.
type outbox struct {
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = DefaultSendBuffer
	}
	return &outbox{queue: make(chan []byte, size), done: make(chan struct{})}
}

func (o *outbox) Send(payload []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.queue <- payload:
		return nil
	case <-o.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (o *outbox) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}
