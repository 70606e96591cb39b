package session

import (
	"context"
	"time"
)

// MessageKind classifies events pushed into a session's inbound queue by
// the streaming bridge.
type MessageKind string

const (
	MessageText              MessageKind = "text"
	MessageEndOfStream       MessageKind = "eos"
	MessageEndOfConversation MessageKind = "end_of_conversation"
)

// Message is one backend-originated event awaiting consumption by the
// webhook path.
type Message struct {
	Kind MessageKind
	Text string
}

const defaultQueueCapacity = 100

// Queue is the per-session inbound message buffer: bounded, FIFO,
// multi-producer/single-consumer. It synchronizes independently of the
// registry lock so stream receive loops never contend with webhook
// handlers touching other sessions.
type Queue struct {
	ch chan Message
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{ch: make(chan Message, capacity)}
}

// TryPush enqueues without blocking. A full queue drops the message and
// returns false; the caller decides whether that is worth logging.
func (q *Queue) TryPush(msg Message) bool {
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Poll waits up to timeout for the next message.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Message{}, false
	case <-timer.C:
		return Message{}, false
	case msg := <-q.ch:
		return msg, true
	}
}

// DrainReady pops every message that is already buffered without waiting.
func (q *Queue) DrainReady() []Message {
	var out []Message
	for {
		select {
		case msg := <-q.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int { return len(q.ch) }
