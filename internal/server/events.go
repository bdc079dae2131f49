package server

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// Built-in lifecycle events. They use a reserved prefix so application
// event names never collide.
const (
	EventConnection    = "helene:connection"
	EventDisconnection = "helene:disconnection"
	EventLogout        = "helene:logout"
	EventKeepAlive     = "helene:keep-alive"
	EventProbe         = "helene:event-probe"
)

// EventOptions tunes event registration.
type EventOptions struct {
	// Protected restricts subscription to authenticated nodes.
	Protected bool

	// UserScoped events are both subscribed and delivered only on the
	// channel equal to the node's authenticated user id.
	UserScoped bool

	// ClusterWide events replicate through the bus to every server in
	// the cluster.
	ClusterWide bool

	// ShouldSubscribe, when set, is the per-event admission hook. It
	// runs after the protected and user-scope gates.
	ShouldSubscribe func(n *Node, event, channel string) bool
}

// Event is one registered event.
type Event struct {
	name string
	opts EventOptions
}

// Channel holds the subscriber sets for one channel name, keyed by
// event. Channels come into existence on first use and hold no state
// besides membership.
type Channel struct {
	name string

	mu          sync.RWMutex
	subscribers map[string]map[*Node]struct{}
}

func newChannel(name string) *Channel {
	return &Channel{name: name, subscribers: make(map[string]map[*Node]struct{})}
}

func (c *Channel) add(event string, n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[event]
	if !ok {
		set = make(map[*Node]struct{})
		c.subscribers[event] = set
	}
	set[n] = struct{}{}
}

// remove reports whether the node was subscribed.
func (c *Channel) remove(event string, n *Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[event]
	if !ok {
		return false
	}
	_, present := set[n]
	delete(set, n)
	if len(set) == 0 {
		delete(c.subscribers, event)
	}
	return present
}

func (c *Channel) nodes(event string) []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.subscribers[event]
	out := make([]*Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// SubscriberCount returns the number of nodes subscribed to event on
// this channel.
func (c *Channel) SubscriberCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[event])
}

// AddEvent registers an event. Emitting or subscribing an unregistered
// event fails, so registration is the contract of what exists.
func (s *Server) AddEvent(name string, opts ...EventOptions) {
	var o EventOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	s.eventMu.Lock()
	s.events[name] = &Event{name: name, opts: o}
	s.eventMu.Unlock()
}

// RemoveEvent unregisters an event and drops its subscriptions on every
// channel.
func (s *Server) RemoveEvent(name string) {
	s.eventMu.Lock()
	delete(s.events, name)
	s.eventMu.Unlock()

	s.channelMu.RLock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channelMu.RUnlock()

	for _, ch := range channels {
		for _, n := range ch.nodes(name) {
			ch.remove(name, n)
			n.untrackSubscription(ch.name, name)
		}
	}
}

func (s *Server) event(name string) *Event {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	return s.events[name]
}

// EventNames returns registered event names, sorted.
func (s *Server) EventNames() []string {
	s.eventMu.RLock()
	names := make([]string, 0, len(s.events))
	for name := range s.events {
		names = append(names, name)
	}
	s.eventMu.RUnlock()
	sort.Strings(names)
	return names
}

// Channel returns the channel by name, creating it on first use. Empty
// selects the default channel.
func (s *Server) Channel(name string) *Channel {
	if name == "" {
		name = protocol.NoChannel
	}
	s.channelMu.RLock()
	ch, ok := s.channels[name]
	s.channelMu.RUnlock()
	if ok {
		return ch
	}

	s.channelMu.Lock()
	defer s.channelMu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch = newChannel(name)
	s.channels[name] = ch
	return ch
}

func (s *Server) lookupChannel(name string) (*Channel, bool) {
	if name == "" {
		name = protocol.NoChannel
	}
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// SubscribeNode applies one subscription request and returns the
// per-event admission verdicts. Channel authorization is evaluated once
// for the whole request; per-event gates run after it.
func (s *Server) SubscribeNode(n *Node, channel string, events []string) map[string]bool {
	if channel == "" {
		channel = protocol.NoChannel
	}
	verdicts := make(map[string]bool, len(events))

	channelAdmitted := true
	if authz := s.channelAuthzFn(); authz != nil {
		channelAdmitted = authz(n, channel)
	}

	for _, name := range events {
		verdicts[name] = false
		if !channelAdmitted {
			continue
		}
		ev := s.event(name)
		if ev == nil {
			continue
		}
		if ev.opts.Protected && !n.IsAuthenticated() {
			continue
		}
		if ev.opts.UserScoped && channel != n.UserID() {
			continue
		}
		if ev.opts.ShouldSubscribe != nil && !ev.opts.ShouldSubscribe(n, name, channel) {
			continue
		}

		s.Channel(channel).add(name, n)
		n.trackSubscription(channel, name)
		verdicts[name] = true

		if ev.opts.ClusterWide && s.busAdapter != nil {
			if err := s.busAdapter.EnsureSubscribed(name); err != nil {
				s.logger.Warn().Err(err).Str("event", name).Msg("cluster subscription failed")
			}
		}
	}
	return verdicts
}

// UnsubscribeNode removes subscriptions. Unsubscribing an event that was
// never subscribed is not an error; the verdict is true for any
// registered event.
func (s *Server) UnsubscribeNode(n *Node, channel string, events []string) map[string]bool {
	if channel == "" {
		channel = protocol.NoChannel
	}
	verdicts := make(map[string]bool, len(events))
	ch, chExists := s.lookupChannel(channel)

	for _, name := range events {
		if s.event(name) == nil {
			verdicts[name] = false
			continue
		}
		if chExists {
			ch.remove(name, n)
		}
		n.untrackSubscription(channel, name)
		verdicts[name] = true
	}
	return verdicts
}

// dropSubscriber removes a closing node from one channel's sets.
func (s *Server) dropSubscriber(n *Node, channel string, events []string) {
	ch, ok := s.lookupChannel(channel)
	if !ok {
		return
	}
	for _, event := range events {
		ch.remove(event, n)
	}
}

// Emit delivers an event to local subscribers of the named channel and,
// for cluster-wide events, publishes it to the bus. The frame is encoded
// once and shared across all subscribers.
func (s *Server) Emit(event string, params any, channel string) {
	ev := s.event(event)
	if ev == nil {
		s.logger.Warn().Str("event", event).Msg("emit of unregistered event dropped")
		return
	}
	if channel == "" {
		channel = protocol.NoChannel
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()

	s.emitLocal(ev, params, channel)

	if ev.opts.ClusterWide && s.busAdapter != nil {
		data, err := s.codec.Encode(params)
		if err != nil {
			s.logger.Error().Err(err).Str("event", event).Msg("event params encode failed")
			return
		}
		emissionID := uuid.NewString()
		s.busAdapter.MarkSeen(emissionID)
		s.busAdapter.Publish(event, channel, data, emissionID)
	}
}

func (s *Server) emitLocal(ev *Event, params any, channel string) {
	ch, ok := s.lookupChannel(channel)
	if !ok {
		return
	}
	subscribers := ch.nodes(ev.name)
	if len(subscribers) == 0 {
		return
	}

	data, err := protocol.Event(ev.name, channel, params).Encode(s.codec)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.name).Msg("event frame encode failed")
		return
	}

	for _, n := range subscribers {
		if ev.opts.UserScoped && channel != n.UserID() {
			continue
		}
		if n.enqueue(data) == nil {
			metrics.EventsDelivered.Inc()
		}
	}
}

// deliverFromBus fans a cluster ingress out to local subscribers only.
// Re-publishing is the emitting server's job; doing it here would loop.
func (s *Server) deliverFromBus(event, channel string, params []byte, _ string) {
	ev := s.event(event)
	if ev == nil {
		return
	}

	var decoded any
	if len(params) > 0 {
		v, err := s.codec.Decode(params)
		if err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("bus params decode failed")
			return
		}
		decoded = v
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()
	s.emitLocal(ev, decoded, channel)
}

func (s *Server) registerBuiltinEvents() {
	s.AddEvent(EventConnection)
	s.AddEvent(EventDisconnection)
	s.AddEvent(EventLogout)
	s.AddEvent(EventKeepAlive)
	s.AddEvent(EventProbe)
}
