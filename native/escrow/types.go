package escrow

import (
	"errors"
	"fmt"

	"escrowlink/crypto"
)

// Selector is the byte-string first argument of every contract call.
type Selector string

const (
	SelectorOptInAsset Selector = "opt_in_asset"
	SelectorClaim      Selector = "claim"
	SelectorSetAmount  Selector = "set_amount"
	SelectorReclaim    Selector = "reclaim"
)

// AmountWidth is the fixed encoding width of the set_amount argument.
const AmountWidth = 8

var (
	ErrAlreadyInitialized = errors.New("escrow: instance already initialized")
	ErrNotInitialized     = errors.New("escrow: instance not initialized")
	ErrUnknownSelector    = errors.New("escrow: unknown selector")
	ErrMissingSelector    = errors.New("escrow: missing selector")
	ErrUnauthorized       = errors.New("escrow: unauthorized sender")
	ErrAlreadyClaimed     = errors.New("escrow: already claimed")
	ErrAmountEncoding     = errors.New("escrow: amount must be an 8-byte big-endian integer")
	ErrZeroAmount         = errors.New("escrow: amount must be positive")
	ErrAmountAlreadySet   = errors.New("escrow: amount already set")
	ErrAmountNotSet       = errors.New("escrow: amount not set")
	ErrAssetAlreadyOpted  = errors.New("escrow: asset already registered")
	ErrMissingAsset       = errors.New("escrow: asset reference required")
	ErrAssetMismatch      = errors.New("escrow: asset does not match instance")
	ErrMissingRecipient   = errors.New("escrow: recipient account required")
	ErrNotResolved        = errors.New("escrow: instance not resolved")
	ErrDepositRejected    = errors.New("escrow: deposit from unauthorized sender")
	ErrInvalidProgram     = errors.New("escrow: invalid program")
)

// ParseSelector validates the first application argument.
func ParseSelector(raw []byte) (Selector, error) {
	if len(raw) == 0 {
		return "", ErrMissingSelector
	}
	sel := Selector(raw)
	switch sel {
	case SelectorOptInAsset, SelectorClaim, SelectorSetAmount, SelectorReclaim:
		return sel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSelector, string(raw))
	}
}

// GlobalState is the typed global state of one contract instance.
type GlobalState struct {
	Creator           crypto.Address `json:"creator"`
	AuthorizedClaimer crypto.Address `json:"authorizedClaimer"`
	// Claimed flips once, on either claim or reclaim, and never reverts.
	Claimed   bool   `json:"claimed"`
	AssetID   uint64 `json:"assetId,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	AmountSet bool   `json:"amountSet"`
}

// Clone returns a copy callers can mutate freely.
func (s *GlobalState) Clone() *GlobalState {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Funded reports whether the funding group landed.
func (s GlobalState) Funded() bool { return s.AmountSet && s.AssetID != 0 }

// Unfunded reports whether no asset or amount was ever registered.
func (s GlobalState) Unfunded() bool { return !s.AmountSet && s.AssetID == 0 }

// Status derives the on-ledger lifecycle stage. The ledger cannot tell a claim
// from a reclaim, so both report StatusResolved.
func (s GlobalState) Status() Status {
	switch {
	case s.Claimed:
		return StatusResolved
	case s.Funded():
		return StatusFunded
	default:
		return StatusCreated
	}
}

// Status enumerates the lifecycle stages of an escrow instance.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusResolved
	StatusClaimed
	StatusReclaimed
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusResolved:
		return "resolved"
	case StatusClaimed:
		return "claimed"
	case StatusReclaimed:
		return "reclaimed"
	case StatusDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Resolution records off-ledger which terminal path set the claimed flag.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionClaimed   Resolution = "claimed"
	ResolutionReclaimed Resolution = "reclaimed"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionNone, ResolutionClaimed, ResolutionReclaimed:
		return true
	default:
		return false
	}
}

// StatusOf refines the on-ledger status with the off-ledger resolution and
// cleanup checkpoint.
func StatusOf(state GlobalState, resolution Resolution, deleted bool) Status {
	if deleted {
		return StatusDeleted
	}
	status := state.Status()
	if status != StatusResolved {
		return status
	}
	switch resolution {
	case ResolutionClaimed:
		return StatusClaimed
	case ResolutionReclaimed:
		return StatusReclaimed
	default:
		return StatusResolved
	}
}
