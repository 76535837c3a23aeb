// Package peer implements the PeerBus component (spec.md §6, §9): a
// capability abstraction over the MessageTransfer contract signers use to
// exchange deposit/withdrawal decisions and signing-ceremony traffic. The
// peering protocol itself — wire framing, dialing, NAT traversal — is out of
// scope (spec.md §1); only the contract the coordinator depends on is
// implemented here: deliver a SignerMessage to every peer the sender is
// trusted by, and silently drop it otherwise.
package peer

import (
	"context"

	"github.com/google/uuid"

	"github.com/sbtc-signer/signer/internal/keys"
)

// Kind identifies which payload variant a SignerMessage carries.
type Kind string

const (
	KindSignerDepositDecision          Kind = "SignerDepositDecision"
	KindSignerWithdrawDecision         Kind = "SignerWithdrawDecision"
	KindBitcoinTransactionProposal     Kind = "BitcoinTransactionProposal"
	KindBitcoinTransactionProposalVote Kind = "BitcoinTransactionProposalVote"
	KindBitcoinTransactionSignRequest  Kind = "BitcoinTransactionSignRequest"
	KindBitcoinTransactionSignAck      Kind = "BitcoinTransactionSignAck"
	KindWstsMessage                    Kind = "WstsMessage"
)

// SignerDepositDecision is a signer's accept/reject vote on a deposit.
type SignerDepositDecision struct {
	BitcoinTxID          string
	BitcoinTxOutputIndex uint32
	Accept               bool
}

// SignerWithdrawDecision is a signer's accept/reject vote on a withdrawal.
type SignerWithdrawDecision struct {
	RequestID uint64
	Accept    bool
}

// BitcoinTransactionProposal carries one package's whole unsigned sweep
// transaction to peers for SweepValidator review ahead of the signing
// ceremony (spec.md §4.G, §4.H rule 3).
type BitcoinTransactionProposal struct {
	PackageID     uuid.UUID
	TxBytes       []byte
	WithdrawalIDs []uint64
}

// BitcoinTransactionProposalVote is a peer's accept/reject verdict on a
// BitcoinTransactionProposal, carrying the rejection reason when Accept is
// false (spec.md §4.G "rich BitcoinValidationError").
type BitcoinTransactionProposalVote struct {
	PackageID uuid.UUID
	Accept    bool
	Reason    string
}

// BitcoinTransactionSignRequest asks peers to co-sign one sighash of an
// unsigned sweep package transaction.
type BitcoinTransactionSignRequest struct {
	PackageID  uuid.UUID
	InputIndex int
	Sighash    [32]byte
}

// BitcoinTransactionSignAck carries one signer's signature share in
// response to a BitcoinTransactionSignRequest.
type BitcoinTransactionSignAck struct {
	PackageID  uuid.UUID
	InputIndex int
	Signature  []byte
}

// WstsMessage is opaque WSTS/FROST ceremony traffic; the ceremony itself is
// out of scope, so the bus only has to move these bytes between peers.
type WstsMessage struct {
	Data []byte
}

// SignerMessage is the wire-stable envelope every peer payload travels in
// (spec.md §6). Payload holds exactly one of the Kind* types above; Kind
// names which one without requiring a type switch at every call site.
type SignerMessage struct {
	From      keys.PublicKey
	BlockHash string
	Kind      Kind
	Payload   any
}

// Bus is the MessageTransfer capability the coordinator depends on. The
// transport authenticates by signer public key; a message from a sender the
// receiving side does not trust is rejected silently, not with an error
// (spec.md §6).
type Bus interface {
	// Publish broadcasts msg to every peer that trusts msg.From.
	Publish(ctx context.Context, msg SignerMessage) error
	// Subscribe registers self to receive messages addressed to the swarm
	// self belongs to, returning a channel of accepted messages.
	Subscribe(self keys.PublicKey) <-chan SignerMessage
}
