package peer

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestMock_PublishRecordsAndFansOut(t *testing.T) {
	m := NewMock()
	self := testPub(t, 0x01)
	inbox := m.Subscribe(self)

	msg := SignerMessage{From: self, Kind: KindBitcoinTransactionSignAck, Payload: BitcoinTransactionSignAck{PackageID: uuid.New(), InputIndex: 1}}
	if err := m.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(m.Published) != 1 {
		t.Fatalf("Published = %d entries, want 1", len(m.Published))
	}
	if got, ok := recvOrTimeout(t, inbox); !ok || got.Kind != KindBitcoinTransactionSignAck {
		t.Error("subscriber did not receive the published message")
	}
}
