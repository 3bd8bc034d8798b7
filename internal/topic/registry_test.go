package topic

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSub records deliveries in order.
type fakeSub struct {
	closed bool
	got    []Message
	ids    []string
}

func (f *fakeSub) Closed() bool { return f.closed }

func (f *fakeSub) Deliver(rpcID json.RawMessage, msg Message) {
	f.got = append(f.got, msg)
	f.ids = append(f.ids, string(rpcID))
}

func TestRegistrySubscribePublish(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSub{}

	r.Subscribe(sub, "room1/kitchen", json.RawMessage(`1`))

	n := r.Publish(Message{ID: "a", Topic: "room1/kitchen", Payload: "hello"})
	assert.Equal(t, 1, n)
	require.Len(t, sub.got, 1)
	assert.Equal(t, "hello", sub.got[0].Payload)
	assert.Equal(t, "1", sub.ids[0])

	// Non-matching topic produces nothing.
	n = r.Publish(Message{ID: "b", Topic: "room2/kitchen", Payload: "nope"})
	assert.Equal(t, 0, n)
	assert.Len(t, sub.got, 1)
}

func TestRegistryWildcardFanout(t *testing.T) {
	r := NewRegistry()
	exact := &fakeSub{}
	plus := &fakeSub{}
	hash := &fakeSub{}

	r.Subscribe(exact, "room1/kitchen", nil)
	r.Subscribe(plus, "room1/+", nil)
	r.Subscribe(hash, "#", nil)

	n := r.Publish(Message{ID: "a", Topic: "room1/kitchen", Payload: "x"})
	assert.Equal(t, 3, n)
	assert.Len(t, exact.got, 1)
	assert.Len(t, plus.got, 1)
	assert.Len(t, hash.got, 1)

	n = r.Publish(Message{ID: "b", Topic: "room1/hall", Payload: "y"})
	assert.Equal(t, 2, n)
	assert.Len(t, exact.got, 1)
	assert.Len(t, plus.got, 2)
	assert.Len(t, hash.got, 2)
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := NewRegistry()
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		r.Subscribe(&orderSub{cb: func() { order = append(order, i) }}, "t", nil)
	}

	r.Publish(Message{Topic: "t"})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

type orderSub struct{ cb func() }

func (o *orderSub) Closed() bool                         { return false }
func (o *orderSub) Deliver(_ json.RawMessage, _ Message) { o.cb() }

func TestRegistryClosedSubscriberSkipped(t *testing.T) {
	r := NewRegistry()
	live := &fakeSub{}
	dead := &fakeSub{closed: true}

	r.Subscribe(dead, "t", nil)
	r.Subscribe(live, "t", nil)

	n := r.Publish(Message{Topic: "t", Payload: "x"})
	assert.Equal(t, 1, n)
	assert.Empty(t, dead.got)
	assert.Len(t, live.got, 1)
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSub{}

	topic, entry := r.Subscribe(sub, "room1/#", nil)
	assert.Equal(t, 1, r.TopicCount())

	r.Unsubscribe(topic, entry)
	assert.Equal(t, 0, r.TopicCount(), "empty topic is removed")

	n := r.Publish(Message{Topic: "room1/kitchen"})
	assert.Equal(t, 0, n)
	assert.Empty(t, sub.got)
}

func TestRegistryUnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSub{}

	topic, entry := r.Subscribe(sub, "t", nil)
	r.Unsubscribe(topic, entry)
	r.Unsubscribe(topic, entry) // second removal is a no-op
	assert.Equal(t, 0, r.TopicCount())
}

// A subscribe racing the removal of the topic's last entry must still end
// up reachable by Publish, never stranded on a deleted Topic.
func TestSubscribeDuringLastUnsubscribe(t *testing.T) {
	for i := 0; i < 500; i++ {
		r := NewRegistry()
		first := &fakeSub{}
		topic1, entry1 := r.Subscribe(first, "t", nil)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Unsubscribe(topic1, entry1)
		}()
		second := &fakeSub{}
		r.Subscribe(second, "t", nil)
		wg.Wait()

		n := r.Publish(Message{Topic: "t", Payload: "x"})
		require.Equal(t, 1, n, "iteration %d: new subscriber lost", i)
		require.Len(t, second.got, 1, "iteration %d", i)
	}
}

func TestRegistrySharedTopicKeepsOthers(t *testing.T) {
	r := NewRegistry()
	a := &fakeSub{}
	b := &fakeSub{}

	topicA, entryA := r.Subscribe(a, "t", nil)
	r.Subscribe(b, "t", nil)

	r.Unsubscribe(topicA, entryA)
	assert.Equal(t, 1, r.TopicCount())

	n := r.Publish(Message{Topic: "t"})
	assert.Equal(t, 1, n)
	assert.Empty(t, a.got)
	assert.Len(t, b.got, 1)
}
