package subscription

import "sync"

// Manager tracks live subscriptions by id.
type Manager struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewManager() *Manager {
	return &Manager{subs: make(map[string]*Subscription)}
}

// Add registers s until it stops.
func (m *Manager) Add(s *Subscription) {
	m.mu.Lock()
	m.subs[s.ID()] = s
	m.mu.Unlock()

	s.OnStop(func() {
		m.mu.Lock()
		if m.subs[s.ID()] == s {
			delete(m.subs, s.ID())
		}
		m.mu.Unlock()
	})
}

func (m *Manager) Get(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// StopAll stops every registered subscription.
func (m *Manager) StopAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
}
