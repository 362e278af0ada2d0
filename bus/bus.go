// bus.go
package bus

import (
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// A topic is a dot-separated path, e.g. "device.error.stepper_motor".
// Subscribers of a topic also receive messages published on any of its
// subtopics, so a subscriber of "device.error" sees
// "device.error.stepper_motor".

func splitTopic(topic string) []string {
	if topic == "" {
		return nil
	}
	return strings.Split(topic, ".")
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic   string
	Payload any
}

// Handler is invoked synchronously, on the publishing goroutine.
type Handler func(msg Message)

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic string
	fn    Handler
	bus   *Bus
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Unsubscribe()  { s.bus.unsubscribe(s) }

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// Bus is a process-wide topic-keyed publish/subscribe mediator. Delivery is
// synchronous and in subscription order: Publish returns only after every
// matching handler has run. Subscribing or unsubscribing takes effect for
// subsequent publishes only.
type Bus struct {
	mu   sync.RWMutex
	root *node
}

func New() *Bus {
	return &Bus{root: &node{}}
}

// Subscribe registers fn for topic and all of its subtopics.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	sub := &Subscription{topic: topic, fn: fn, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range splitTopic(topic) {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)
	return sub
}

// Publish delivers a message to all subscribers along the topic path.
// Handlers run on the calling goroutine; a handler may itself publish.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	// Collect matching handlers under the read lock, then invoke without it
	// so handlers can publish or subscribe.
	b.mu.RLock()
	var fns []Handler
	n := b.root
	fns = appendSubs(fns, n)
	for _, tok := range splitTopic(topic) {
		child, ok := n.children[tok]
		if !ok {
			break
		}
		n = child
		fns = appendSubs(fns, n)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func appendSubs(fns []Handler, n *node) []Handler {
	for _, s := range n.subs {
		fns = append(fns, s.fn)
	}
	return fns
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := splitTopic(sub.topic)
	n := b.root
	var stack []*node
	for _, t := range tokens {
		if n.children == nil {
			return
		}
		child, ok := n.children[t]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(tokens) - 1; i >= 0; i-- {
		parent := stack[i]
		key := tokens[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 {
			delete(parent.children, key)
		} else {
			break
		}
	}
}
