// Package ledger defines the contract between the escrow core and the
// distributed ledger, and the submission boundary where transient failures
// are retried.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
)

var (
	// ErrConfirmationTimeout is returned by AwaitConfirmation when the round
	// budget is exhausted. The transaction may still land.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
	// ErrTxDropped is returned when the ledger reports that a pending
	// transaction was discarded without being applied.
	ErrTxDropped        = errors.New("ledger: transaction dropped")
	ErrContractNotFound = errors.New("ledger: contract not found")
)

// OutcomeKind classifies a submission attempt.
type OutcomeKind uint8

const (
	OutcomeConfirmed OutcomeKind = iota + 1
	OutcomeAlreadyLanded
	OutcomeRejected
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAlreadyLanded:
		return "already_landed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the typed result of submitting a group. Adapters translate
// ledger responses into one of the four kinds so callers never parse prose.
type Outcome struct {
	Kind OutcomeKind
	// TxID identifies the accepted transaction, or for AlreadyLanded the
	// transaction the ledger reported as previously committed.
	TxID   types.TxID
	Reason string
}

func Confirmed(txID types.TxID) Outcome { return Outcome{Kind: OutcomeConfirmed, TxID: txID} }

func AlreadyLanded(txID types.TxID) Outcome {
	return Outcome{Kind: OutcomeAlreadyLanded, TxID: txID}
}

func Rejected(reason string) Outcome { return Outcome{Kind: OutcomeRejected, Reason: reason} }

func Transient(reason string) Outcome { return Outcome{Kind: OutcomeTransient, Reason: reason} }

// Confirmation describes a committed transaction.
type Confirmation struct {
	TxID         types.TxID `json:"txId"`
	Round        uint64     `json:"round"`
	CreatedAppID uint64     `json:"createdAppId,omitempty"`
}

// Params are the suggested parameters for building a new group.
type Params struct {
	Round uint64
	// ValidityRounds is how many rounds past Round a new group stays valid.
	ValidityRounds uint64
}

// Client is the ledger surface the escrow core depends on.
type Client interface {
	Params(ctx context.Context) (Params, error)
	Submit(ctx context.Context, group []types.SignedTransaction) Outcome
	AwaitConfirmation(ctx context.Context, txID types.TxID, maxRounds uint64) (Confirmation, error)
	// TransactionStatus reports whether txID has been committed.
	TransactionStatus(ctx context.Context, txID types.TxID) (Confirmation, bool, error)
	AccountState(ctx context.Context, addr crypto.Address) (*types.Account, error)
	ContractState(ctx context.Context, appID uint64) (*escrow.GlobalState, error)
}
