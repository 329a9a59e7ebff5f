package rpc

import "sync"

// pendingRequest is the parent-side record of one in-flight request. done
// receives exactly once: the correlated response, or nil if the channel
// closed first. once guards against a racing reader-loop delivery and a
// channel-close delivery both trying to send.
type pendingRequest struct {
	id   string
	done chan Message
	once sync.Once
}

func newPendingRequest(id string) *pendingRequest {
	return &pendingRequest{id: id, done: make(chan Message, 1)}
}

func (p *pendingRequest) complete(msg Message) {
	p.once.Do(func() { p.done <- msg })
}
