package peer

import (
	"context"
	"sync"

	"github.com/sbtc-signer/signer/internal/keys"
)

// Mock records every published message and replays them to every
// subscriber regardless of trust, for coordinator tests that only care
// about what was sent, not about transport-level authentication
// (spec.md §9 capability-trait pattern).
type Mock struct {
	mu          sync.Mutex
	Published   []SignerMessage
	subscribers []chan SignerMessage
}

// NewMock returns an empty mock bus.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Subscribe(_ keys.PublicKey) <-chan SignerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan SignerMessage, 64)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Mock) Publish(_ context.Context, msg SignerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, msg)
	for _, ch := range m.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}
