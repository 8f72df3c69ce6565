package socketcast

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is the transport side of a connection as seen by a
// TransportBinder.
type Subscriber interface {
	ID() string
	Transport() string
	// WriteRaw writes a published payload: binary payloads as they are, text
	// payloads still carrying the MessageMarker prefix.
	WriteRaw(data []byte, binary bool, opts WriteOptions) error
}

// TransportBinder is the pub/sub strategy of a server. Connections for which
// Native reports true receive topic publishes through the binder; every other
// connection is written to directly.
type TransportBinder interface {
	Native(sub Subscriber) bool
	Subscribe(sub Subscriber, topic string) error
	Unsubscribe(sub Subscriber, topic string) error
	Publish(topic string, data []byte, binary bool, opts WriteOptions) error
}

// NopBinder has no native transport.
type NopBinder struct{}

var _ TransportBinder = NopBinder{}

func (NopBinder) Native(Subscriber) bool                           { return false }
func (NopBinder) Subscribe(Subscriber, string) error               { return nil }
func (NopBinder) Unsubscribe(Subscriber, string) error             { return nil }
func (NopBinder) Publish(string, []byte, bool, WriteOptions) error { return nil }

const TransportWebsocket = "websocket"

// HubBinder is an in-process topic hub.
type HubBinder struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber // Map<Topic, Map<ConnId, Subscriber>>

	native map[string]struct{}

	logger *zap.SugaredLogger
}

var _ TransportBinder = (*HubBinder)(nil)

// NewHubBinder treats the given transports as native, websocket when none
// are given.
func NewHubBinder(logger *zap.SugaredLogger, transports ...string) *HubBinder {
	if len(transports) == 0 {
		transports = []string{TransportWebsocket}
	}
	native := make(map[string]struct{}, len(transports))
	for _, t := range transports {
		native[t] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HubBinder{
		topics: make(map[string]map[string]Subscriber),
		native: native,
		logger: logger.With("Binder", "Hub"),
	}
}

func (h *HubBinder) Native(sub Subscriber) bool {
	_, ok := h.native[sub.Transport()]
	return ok
}

func (h *HubBinder) Subscribe(sub Subscriber, topic string) error {
	if !h.Native(sub) {
		return fmt.Errorf("transport %q cannot subscribe", sub.Transport())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	return nil
}

func (h *HubBinder) Unsubscribe(sub Subscriber, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return nil
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	return nil
}

// Publish writes data to every subscriber of topic. Volatile payloads that a
// subscriber cannot take are dropped by the subscriber.
func (h *HubBinder) Publish(topic string, data []byte, binary bool, opts WriteOptions) error {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for _, sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.WriteRaw(data, binary, opts); err != nil {
			h.logger.Debugf("Publish topic=%q conn=%s: %v", topic, sub.ID(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Topics returns the topics the connection with the given id is subscribed to.
func (h *HubBinder) Topics(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var topics []string
	for topic, subs := range h.topics {
		if _, ok := subs[connID]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}
