// Package bus implements the in-process message bus the airsense services
// communicate over: topic-trie pub/sub with MQTT-style wildcards, retained
// messages and request/reply.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Tokens + Topics
// -----------------------------------------------------------------------------

// Token is a single element in a topic path. Tokens must be comparable;
// in practice they are strings and ints ("hal", "capability", "co2", 0).
type Token = any

// Wildcard tokens usable in subscription patterns.
const (
	// WildOne matches exactly one token at its level.
	WildOne = "+"
	// WildAll matches the rest of the topic, including an empty rest.
	WildAll = "#"
)

// Topic is a sequence of tokens.
type Topic []Token

// T builds a Topic from tokens.
func T(tokens ...Token) Topic { return Topic(tokens) }

func (t Topic) Len() int       { return len(t) }
func (t Topic) At(i int) Token { return t[i] }

// Append returns a new Topic with the extra tokens added. The receiver is not
// modified.
func (t Topic) Append(tokens ...Token) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, tokens...)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// CanReply reports whether the sender asked for a reply.
func (m *Message) CanReply() bool { return len(m.ReplyTo) > 0 }

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// -----------------------------------------------------------------------------
// Trie
// -----------------------------------------------------------------------------

type node struct {
	children map[Token]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok Token) (*node, bool) {
	if n.children == nil {
		return nil, false
	}
	c, ok := n.children[tok]
	return c, ok
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.RWMutex
	root *node
	qLen int
}

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// NewMessage is a convenience constructor.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish delivers a message to every subscription whose pattern matches the
// topic, and stores (or clears, for a nil payload) the retained message.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliver(b.root, msg.Topic, msg)

	if !msg.Retained {
		return
	}
	n := b.root
	for _, tok := range msg.Topic {
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		c, ok := n.children[tok]
		if !ok {
			c = &node{}
			n.children[tok] = c
		}
		n = c
	}
	if msg.Payload == nil {
		n.retained = nil
	} else {
		n.retained = msg
	}
}

// deliver walks the subscription trie, following exact, "+" and "#" branches.
func (b *Bus) deliver(n *node, rest Topic, msg *Message) {
	if hash, ok := n.child(WildAll); ok {
		send(hash.subs, msg)
	}
	if len(rest) == 0 {
		send(n.subs, msg)
		return
	}
	if c, ok := n.child(rest[0]); ok {
		b.deliver(c, rest[1:], msg)
	}
	if c, ok := n.child(WildOne); ok {
		b.deliver(c, rest[1:], msg)
	}
}

func send(subs []*Subscription, msg *Message) {
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: drop the oldest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range sub.topic {
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		c, ok := n.children[tok]
		if !ok {
			c = &node{}
			n.children[tok] = c
		}
		n = c
	}
	n.subs = append(n.subs, sub)

	// Deliver any retained messages the pattern matches.
	var retained []*Message
	collectRetained(b.root, sub.topic, &retained)
	for _, m := range retained {
		select {
		case sub.ch <- m:
		default:
		}
	}
}

// collectRetained gathers retained messages under pattern pat starting at n.
func collectRetained(n *node, pat Topic, out *[]*Message) {
	if len(pat) == 0 {
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		return
	}
	switch pat[0] {
	case Token(WildAll):
		walkRetained(n, out)
	case Token(WildOne):
		for _, c := range n.children {
			collectRetained(c, pat[1:], out)
		}
	default:
		if c, ok := n.child(pat[0]); ok {
			collectRetained(c, pat[1:], out)
		}
	}
}

func walkRetained(n *node, out *[]*Message) {
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	for _, c := range n.children {
		walkRetained(c, out)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node
	for _, tok := range sub.topic {
		c, ok := n.child(tok)
		if !ok {
			return
		}
		stack = append(stack, n)
		n = c
	}
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	// Prune empty nodes.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		parent := stack[i]
		key := sub.topic[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, key)
		} else {
			break
		}
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus    *Bus
	mu     sync.Mutex
	subs   []*Subscription
	id     string
	reqSeq atomic.Uint64
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

// NewMessage mirrors Bus.NewMessage for callers that only hold a connection.
func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

// Subscribe registers a subscription owned by this connection.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.bus.addSubscription(sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription owned by this connection.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub)
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	close(sub.ch)
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub)
		close(sub.ch)
	}
}

// Reply publishes a response on the request's ReplyTo topic.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if !req.CanReply() {
		return
	}
	c.Publish(&Message{Topic: req.ReplyTo, Payload: payload, Retained: retained})
}

// Request stamps a unique ReplyTo onto msg, subscribes to it and publishes the
// request. The caller owns the returned subscription.
func (c *Connection) Request(msg *Message) *Subscription {
	seq := c.reqSeq.Add(1)
	msg.ReplyTo = Topic{"$reply", c.id, int(seq)}
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// ErrNoReply is returned by RequestWait when the context expires first.
var ErrNoReply = errors.New("bus: no reply")

// RequestWait performs a request and blocks for a single reply or ctx expiry.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case reply := <-sub.Channel():
		return reply, nil
	case <-ctx.Done():
		return nil, ErrNoReply
	}
}
