package bus

import (
	"sync"
)

// MemoryConn is an in-process bus. Several servers in one process can
// share it to form an embedded cluster; it is also what cluster tests
// run against. Delivery is synchronous and in subscription order.
type MemoryConn struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

func NewMemory() *MemoryConn {
	return &MemoryConn{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	conn    *MemoryConn
	subject string
	handler func(data []byte)
}

func (s *memorySub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	list := s.conn.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			s.conn.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (c *MemoryConn) Publish(subject string, data []byte) error {
	c.mu.RLock()
	list := make([]*memorySub, len(c.subs[subject]))
	copy(list, c.subs[subject])
	c.mu.RUnlock()

	for _, sub := range list {
		sub.handler(data)
	}
	return nil
}

func (c *MemoryConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &memorySub{conn: c, subject: subject, handler: handler}
	c.subs[subject] = append(c.subs[subject], sub)
	return sub, nil
}

// Close is a no-op: a memory bus may be shared by several adapters, so
// individual adapters must not tear down each other's subscriptions.
func (c *MemoryConn) Close() {}
