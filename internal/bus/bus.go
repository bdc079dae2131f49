// Package bus bridges cluster-wide events to an external pub/sub
// system. The adapter is transport-agnostic: anything implementing Conn
// can carry the traffic (NATS in production, the in-process memory bus
// for embedded clusters and tests). Delivery is best effort; there is
// no durability and no replay.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
)

// Dedupe window. An emission id seen within this window is dropped on
// ingress so an event published once is delivered locally once even if
// it comes back from the bus.
const (
	dedupeTTL  = 30 * time.Second
	dedupeSize = 8192
)

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the minimal connection surface the adapter needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close()
}

// Envelope is the wire form of one cluster emission. Params stay in
// their extended-JSON encoding so the bus never needs the codec.
type Envelope struct {
	Event      string          `json:"event"`
	Channel    string          `json:"channel"`
	Params     json.RawMessage `json:"params,omitempty"`
	EmissionID string          `json:"emissionId"`
}

// DeliverFunc hands a bus ingress to the local server for fan-out.
type DeliverFunc func(event, channel string, params []byte, emissionID string)

// Adapter connects one server to the bus. Subjects are namespaced
// "<ns>.event.<event>"; subscription happens lazily on the first local
// subscription to a cluster-wide event.
type Adapter struct {
	conn      Conn
	namespace string
	logger    zerolog.Logger
	deliver   DeliverFunc

	dedupe *expirable.LRU[string, struct{}]

	mu   sync.Mutex
	subs map[string]Subscription
}

func NewAdapter(conn Conn, namespace string, logger zerolog.Logger, deliver DeliverFunc) *Adapter {
	if namespace == "" {
		namespace = "helene"
	}
	return &Adapter{
		conn:      conn,
		namespace: namespace,
		logger:    logger.With().Str("component", "bus").Logger(),
		deliver:   deliver,
		dedupe:    expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
		subs:      make(map[string]Subscription),
	}
}

func (a *Adapter) subject(event string) string {
	return fmt.Sprintf("%s.event.%s", a.namespace, event)
}

// MarkSeen records an emission id so the local echo of our own publish
// is dropped on ingress. Returns true if the id was already present.
func (a *Adapter) MarkSeen(emissionID string) bool {
	_, seen := a.dedupe.Get(emissionID)
	a.dedupe.Add(emissionID, struct{}{})
	return seen
}

// Publish ships one emission to the bus. Failures are logged and
// counted but never propagate to the emitting caller.
func (a *Adapter) Publish(event, channel string, params []byte, emissionID string) {
	env := Envelope{
		Event:      event,
		Channel:    channel,
		Params:     params,
		EmissionID: emissionID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		metrics.BusErrors.Inc()
		a.logger.Error().Err(err).Str("event", event).Msg("bus envelope marshal failed")
		return
	}
	if err := a.conn.Publish(a.subject(event), data); err != nil {
		metrics.BusErrors.Inc()
		a.logger.Error().Err(err).Str("event", event).Msg("bus publish failed")
		return
	}
	metrics.BusPublished.Inc()
}

// EnsureSubscribed installs the bus subscription for event if it is not
// already present. Idempotent; safe to call on every local subscribe.
func (a *Adapter) EnsureSubscribed(event string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subs[event]; ok {
		return nil
	}

	sub, err := a.conn.Subscribe(a.subject(event), func(data []byte) {
		a.handleIngress(data)
	})
	if err != nil {
		metrics.BusErrors.Inc()
		return fmt.Errorf("bus subscribe %q: %w", event, err)
	}
	a.subs[event] = sub
	a.logger.Debug().Str("event", event).Msg("bus subscription installed")
	return nil
}

func (a *Adapter) handleIngress(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.BusErrors.Inc()
		a.logger.Warn().Err(err).Msg("malformed bus envelope dropped")
		return
	}
	metrics.BusReceived.Inc()

	if a.MarkSeen(env.EmissionID) {
		metrics.BusDeduped.Inc()
		return
	}
	a.deliver(env.Event, env.Channel, env.Params, env.EmissionID)
}

// Close tears down all subscriptions and the underlying connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	for event, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn().Err(err).Str("event", event).Msg("bus unsubscribe failed")
		}
	}
	a.subs = make(map[string]Subscription)
	a.mu.Unlock()

	a.conn.Close()
}
