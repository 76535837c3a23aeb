// Package sweep implements the SweepPackager component (spec.md §4.F):
// bin-packing pending deposits and withdrawals into a chain of unsigned
// Bitcoin transactions bounded by the signer group's reject-vote capacity,
// apportioning fees, and producing the sighashes the peer signing ceremony
// needs.
package sweep

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/models"
)

// kind orders deposits before withdrawals in the packing tie-break, per
// spec.md §4.F's "(kind, primary_key) ascending".
type kind int

const (
	kindDeposit kind = iota
	kindWithdrawal
)

// DepositCandidate pairs a deposit with its accumulated reject-vote weight.
type DepositCandidate struct {
	Request     *models.DepositRequest
	RejectVotes int
}

// WithdrawalCandidate pairs a withdrawal with its accumulated reject-vote
// weight.
type WithdrawalCandidate struct {
	Request     *models.WithdrawalRequest
	RejectVotes int
}

// item is the packer's internal, kind-erased view of a candidate.
type item struct {
	k           kind
	primaryKey  string
	weight      int
	deposit     *DepositCandidate
	withdrawal  *WithdrawalCandidate
}

// Package is one bin: the deposits and withdrawals assigned to transaction
// Tₖ in the chain. ID identifies the package across the peer bus for the
// whole lifetime of its ceremony (proposal, sign requests, acks, votes).
type Package struct {
	ID          uuid.UUID
	Deposits    []*DepositCandidate
	Withdrawals []*WithdrawalCandidate
}

// Pack bin-packs deposits and withdrawals into ordered packages so the sum
// of reject-vote weights in each package never exceeds rejectCapacity.
// Packing is deterministic: first-fit-decreasing by weight, ties broken by
// (kind, primary_key) ascending (spec.md §4.F step 1). An empty input
// yields an empty output, not an error.
func Pack(deposits []DepositCandidate, withdrawals []WithdrawalCandidate, rejectCapacity int) []Package {
	items := make([]item, 0, len(deposits)+len(withdrawals))
	for i := range deposits {
		d := &deposits[i]
		txid, vout := d.Request.PrimaryKey()
		items = append(items, item{
			k:          kindDeposit,
			primaryKey: fmt.Sprintf("%s:%d", txid, vout),
			weight:     d.RejectVotes,
			deposit:    d,
		})
	}
	for i := range withdrawals {
		w := &withdrawals[i]
		items = append(items, item{
			k:          kindWithdrawal,
			primaryKey: fmt.Sprintf("%d", w.Request.PrimaryKey()),
			weight:     w.RejectVotes,
			withdrawal: w,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].weight != items[j].weight {
			return items[i].weight > items[j].weight // decreasing by weight
		}
		if items[i].k != items[j].k {
			return items[i].k < items[j].k
		}
		return items[i].primaryKey < items[j].primaryKey
	})

	var packages []Package
	binLoad := make([]int, 0)
	for _, it := range items {
		placed := false
		for b := range binLoad {
			if binLoad[b]+it.weight <= rejectCapacity {
				binLoad[b] += it.weight
				appendToPackage(&packages[b], it)
				placed = true
				break
			}
		}
		if !placed {
			binLoad = append(binLoad, it.weight)
			packages = append(packages, Package{ID: uuid.New()})
			appendToPackage(&packages[len(packages)-1], it)
		}
	}
	return packages
}

func appendToPackage(p *Package, it item) {
	if it.k == kindDeposit {
		p.Deposits = append(p.Deposits, it.deposit)
	} else {
		p.Withdrawals = append(p.Withdrawals, it.withdrawal)
	}
}

// ErrEmptyPackage is never returned by Pack itself (an empty input set
// yields an empty package list), but BuildChain rejects degenerate
// packages a caller constructed by hand.
var ErrEmptyPackage = apperr.New(apperr.KindInvalidAmount, "package has neither deposits nor withdrawals")
