package events

import "context"

// Message is one server-sent event. Name becomes the SSE "event:" field.
type Message struct {
	Name string
	Data []byte
}

// Hub fans messages published on a topic out to every subscriber of that topic.
//
// All access to the topic table happens on the Run goroutine; Subscribe, Unsubscribe
// and PublishTopic only hand requests to it. Subscribers that do not keep up lose
// messages instead of blocking the publisher.
type Hub struct {
	topics map[string]map[chan Message]struct{}

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}
}

type subscription struct {
	ch    chan Message
	topic string
}

type topicMessage struct {
	topic string
	msg   Message
}

// NewHub returns a hub; publish is buffered to absorb short bursts.
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan Message]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		done:        make(chan struct{}),
	}
}

// Run serves the hub until ctx is done. It must run on its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan Message]struct{})
				h.topics[s.topic] = subs
			}
			subs[s.ch] = struct{}{}
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
				}
			}
		}
	}
}

// PublishTopic queues msg for every subscriber of topic. It is a no-op once the hub stopped.
func (h *Hub) PublishTopic(topic string, msg Message) {
	if h == nil {
		return
	}
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
	case <-h.done:
	}
}

// Subscribe registers ch for topic. The caller owns ch: it should be buffered and
// the caller unsubscribes before closing it.
func (h *Hub) Subscribe(ch chan Message, topic string) {
	select {
	case h.subscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Unsubscribe removes ch from topic.
func (h *Hub) Unsubscribe(ch chan Message, topic string) {
	select {
	case h.unsubscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}
