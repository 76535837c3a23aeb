package peer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sbtc-signer/signer/internal/keys"
)

// LocalBus is a broadcast-channel based MessageTransfer implementation for a
// single process hosting several swarms in-memory (used by tests and by
// deployments that run a trust simulation ahead of wiring a real transport).
// Each subscriber only ever receives messages from peers present in its own
// trust set, mirroring the silent-rejection contract of spec.md §6.
type LocalBus struct {
	mu          sync.Mutex
	subscribers map[string]chan SignerMessage // peer id -> inbox
	trusts      map[string]map[string]bool    // peer id -> set of peer ids it trusts
	bufferSize  int
}

// NewLocalBus returns an empty bus. bufferSize bounds each subscriber's
// inbox channel; a slow or absent subscriber cannot block Publish beyond
// that many buffered messages.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &LocalBus{
		subscribers: make(map[string]chan SignerMessage),
		trusts:      make(map[string]map[string]bool),
		bufferSize:  bufferSize,
	}
}

func peerID(pub keys.PublicKey) string {
	return string(keys.SerializeCompressed(&pub))
}

// Trust authorizes messages From sender to be delivered to receiver.
// Trust is directional: Trust(a, b) lets b's messages reach a, not the
// reverse. Mutual trust calls Trust twice.
func (b *LocalBus) Trust(receiver, sender keys.PublicKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rid := peerID(receiver)
	set, ok := b.trusts[rid]
	if !ok {
		set = make(map[string]bool)
		b.trusts[rid] = set
	}
	set[peerID(sender)] = true
}

// Subscribe registers self and returns its inbox channel. Calling Subscribe
// again for the same key replaces the previous channel.
func (b *LocalBus) Subscribe(self keys.PublicKey) <-chan SignerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan SignerMessage, b.bufferSize)
	b.subscribers[peerID(self)] = ch
	return ch
}

// Publish delivers msg to every subscriber whose trust set contains
// msg.From. Subscribers that do not trust the sender never see the message
// and never learn it was sent. A full inbox is logged and the message is
// dropped for that receiver rather than blocking the publisher; Publish
// returns an error only when ctx is done.
func (b *LocalBus) Publish(ctx context.Context, msg SignerMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	senderID := peerID(msg.From)
	for receiverID, trustSet := range b.trusts {
		if !trustSet[senderID] {
			continue
		}
		ch, ok := b.subscribers[receiverID]
		if !ok {
			continue
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			slog.Warn("peer inbox full, dropping message", "kind", msg.Kind, "receiver", receiverID)
		}
	}
	return nil
}
