package events

import (
	"context"
	"sync"

	"addrhist/internal/address/models"
)

// Memory collects events in process. It is the publisher when no brokers are
// configured.
type Memory struct {
	mu     sync.Mutex
	events []models.AddressChanged
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, event models.AddressChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []models.AddressChanged {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AddressChanged, len(m.events))
	copy(out, m.events)
	return out
}
