package topic

import (
	"container/list"
	"encoding/json"
	"sync"
)

// Message is one published event fanned out to local subscribers.
type Message struct {
	ID      string
	Topic   string
	Payload string
	Origin  string
}

// Subscriber is the delivery side of a subscription. Implemented by the
// server's Connection; Deliver must never block (it enqueues into the
// connection's bounded mailbox).
type Subscriber interface {
	// Closed reports whether the subscriber has been torn down. Closed
	// subscribers are skipped on fan-out; their entries are removed by the
	// teardown path, not here.
	Closed() bool

	// Deliver hands a matched message to the subscriber. rpcID is the id of
	// the subscribe call that created the subscription. Called during
	// fan-out with the topic lock held, so it must not call back into the
	// Registry.
	Deliver(rpcID json.RawMessage, msg Message)
}

// Entry is one subscriber on one topic, a stable handle for O(1) removal.
type Entry struct {
	Sub   Subscriber
	RPCID json.RawMessage

	elem *list.Element
}

// Topic is a registered filter and its subscriber list in insertion order.
type Topic struct {
	mu     sync.Mutex
	filter string
	subs   *list.List // of *Entry
}

// Filter returns the filter string the topic is registered under.
func (t *Topic) Filter() string { return t.filter }

// Registry is the per-worker map of filter → subscriber list. A connection
// only ever subscribes on its own worker's registry.
//
// Lock order: Registry.mu → Topic.mu → connection mailbox. Never inverted.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*Topic
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]*Topic)}
}

// Subscribe registers sub under filter, creating the Topic on first use.
// The returned handles identify the subscription for later removal.
// Registry.mu is held across the push: releasing it first would let a
// concurrent Unsubscribe of the topic's last entry delete the Topic from
// the map before the new entry lands, stranding it on an orphan.
func (r *Registry) Subscribe(sub Subscriber, filter string, rpcID json.RawMessage) (*Topic, *Entry) {
	r.mu.Lock()
	t, ok := r.topics[filter]
	if !ok {
		t = &Topic{filter: filter, subs: list.New()}
		r.topics[filter] = t
	}

	e := &Entry{Sub: sub, RPCID: rpcID}
	t.mu.Lock()
	e.elem = t.subs.PushBack(e)
	t.mu.Unlock()
	r.mu.Unlock()

	return t, e
}

// Unsubscribe removes the entry from its topic and deletes the topic when
// the last subscriber is gone.
func (r *Registry) Unsubscribe(t *Topic, e *Entry) {
	r.mu.Lock()
	t.mu.Lock()
	if e.elem != nil {
		t.subs.Remove(e.elem)
		e.elem = nil
	}
	empty := t.subs.Len() == 0
	t.mu.Unlock()
	if empty && r.topics[t.filter] == t {
		delete(r.topics, t.filter)
	}
	r.mu.Unlock()
}

// Publish fans out msg to every subscriber of every topic whose filter
// matches msg.Topic, in subscriber insertion order. Closed subscribers are
// skipped; their entries are pruned at connection teardown. Returns the
// number of deliveries.
func (r *Registry) Publish(msg Message) int {
	r.mu.Lock()
	matched := make([]*Topic, 0, 4)
	for filter, t := range r.topics {
		if IsFilterMatched(filter, msg.Topic) {
			matched = append(matched, t)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, t := range matched {
		t.mu.Lock()
		for el := t.subs.Front(); el != nil; el = el.Next() {
			e := el.Value.(*Entry)
			if e.Sub.Closed() {
				continue
			}
			e.Sub.Deliver(e.RPCID, msg)
			delivered++
		}
		t.mu.Unlock()
	}
	return delivered
}

// TopicCount returns the number of registered filters.
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
