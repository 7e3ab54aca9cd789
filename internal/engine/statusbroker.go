package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// StatusEvent is one status change of an execution.
type StatusEvent struct {
	ExecutionID string    `json:"identifier"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

// StatusBroker fans out per-execution status changes to subscribers.
// It is safe for concurrent use.
//
// A topic lives only while it has subscribers. Callers that subscribe to an
// execution that may already be over must check its stored status after
// subscribing: Close runs after the terminal status is committed.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

type statusTopic struct {
	subs   map[int]chan StatusEvent
	nextID int
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*statusTopic),
	}
}

// Subscribe returns a channel receiving status events for the execution and
// an unsubscribe function. The channel is closed by Close.
func (b *StatusBroker) Subscribe(executionID string) (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan StatusEvent)}
		b.topics[executionID] = t
	}

	ch := make(chan StatusEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		close(ch)
		if len(t.subs) == 0 && b.topics[executionID] == t {
			delete(b.topics, executionID)
		}
	}
}

// Publish sends an event to all subscribers of the execution. Events are
// dropped for subscribers whose buffers are full.
func (b *StatusBroker) Publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that the execution will publish no more events. All
// subscriber channels are closed and the topic is dropped.
func (b *StatusBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, executionID)
}

// topicCount reports how many executions currently have subscribers.
func (b *StatusBroker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
