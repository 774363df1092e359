package dispatch

import (
	"errors"
	"sync/atomic"

	"github.com/veddb/veddb/pkg/pubsub"
	"github.com/veddb/veddb/pkg/wire"
)

// defaultTopicRingCapacity sizes a topic's ring when Publish or Subscribe
// first references a name the registry hasn't seen yet; there's no
// dedicated create-topic opcode, so topics come into existence lazily, the
// same way the legacy KV compatibility layer lazily uses its collection.
const defaultTopicRingCapacity = 1024

// PubSubHandlers builds the Subscribe/Unsubscribe/Publish/Fetch handlers
// for a topic registry. Subscribe returns a subscriber ID in the response's
// Extra field; callers carry that ID back in Header.Extra on every
// subsequent Fetch or Unsubscribe for the same topic.
func PubSubHandlers(topics *pubsub.Registry, maxSubscribers int) map[wire.Opcode]Handler {
	h := &pubsubHandlers{topics: topics, maxSubscribers: maxSubscribers}
	return map[wire.Opcode]Handler{
		wire.OpSubscribe:   h.subscribe,
		wire.OpUnsubscribe: h.unsubscribe,
		wire.OpPublish:     h.publish,
		wire.OpFetch:       h.fetch,
	}
}

type pubsubHandlers struct {
	topics         *pubsub.Registry
	maxSubscribers int
	nextSubID      atomic.Uint64
}

func (h *pubsubHandlers) topicOrCreate(name string) (*pubsub.Topic, error) {
	if t, ok := h.topics.Get(name); ok {
		return t, nil
	}
	t, err := h.topics.Create(name, defaultTopicRingCapacity, h.maxSubscribers, pubsub.DropOldest)
	if err != nil {
		if errors.Is(err, pubsub.ErrTopicExists) {
			if t, ok := h.topics.Get(name); ok {
				return t, nil
			}
		}
		return nil, err
	}
	return t, nil
}

func (h *pubsubHandlers) subscribe(cmd wire.Command) wire.Response {
	topic, err := h.topicOrCreate(string(cmd.Key))
	if err != nil {
		return wire.Response{Status: StatusFor(err)}
	}

	id := h.nextSubID.Add(1)
	if _, err := topic.Subscribe(id); err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	return wire.Response{Status: wire.StatusOK, Extra: id}
}

func (h *pubsubHandlers) unsubscribe(cmd wire.Command) wire.Response {
	topic, ok := h.topics.Get(string(cmd.Key))
	if !ok {
		return wire.Response{Status: wire.StatusNotFound}
	}
	topic.Unsubscribe(cmd.Header.Extra)
	return wire.Response{Status: wire.StatusOK}
}

func (h *pubsubHandlers) publish(cmd wire.Command) wire.Response {
	topic, err := h.topicOrCreate(string(cmd.Key))
	if err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	if err := topic.Publish(cmd.Value); err != nil {
		return wire.Response{Status: StatusFor(err)}
	}
	return wire.Response{Status: wire.StatusOK}
}

func (h *pubsubHandlers) fetch(cmd wire.Command) wire.Response {
	topic, ok := h.topics.Get(string(cmd.Key))
	if !ok {
		return wire.Response{Status: wire.StatusNotFound}
	}
	sub, ok := topic.Lookup(cmd.Header.Extra)
	if !ok {
		return wire.Response{Status: wire.StatusNotFound}
	}
	payload, ok := topic.Fetch(sub)
	if !ok {
		return wire.Response{Status: wire.StatusNotFound}
	}
	return wire.Response{Status: wire.StatusOK, Value: payload}
}
