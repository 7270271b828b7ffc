package events

import (
	"strconv"

	"escrowlink/core/types"
	"escrowlink/crypto"
)

const (
	TypeEscrowCreated      = "escrow.created"
	TypeEscrowAssetOptedIn = "escrow.asset_opted_in"
	TypeEscrowAmountSet    = "escrow.amount_set"
	TypeEscrowClaimed      = "escrow.claimed"
	TypeEscrowReclaimed    = "escrow.reclaimed"
	TypeEscrowDeleted      = "escrow.deleted"
)

type EscrowCreated struct {
	AppID   uint64
	Creator crypto.Address
	Claimer crypto.Address
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowCreated,
		Attributes: map[string]string{
			"appId":   formatUint(e.AppID),
			"creator": e.Creator.String(),
			"claimer": e.Claimer.String(),
		},
	}
}

type EscrowAssetOptedIn struct {
	AppID   uint64
	AssetID uint64
}

func (EscrowAssetOptedIn) EventType() string { return TypeEscrowAssetOptedIn }

func (e EscrowAssetOptedIn) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowAssetOptedIn,
		Attributes: map[string]string{
			"appId":   formatUint(e.AppID),
			"assetId": formatUint(e.AssetID),
		},
	}
}

type EscrowAmountSet struct {
	AppID  uint64
	Amount uint64
}

func (EscrowAmountSet) EventType() string { return TypeEscrowAmountSet }

func (e EscrowAmountSet) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowAmountSet,
		Attributes: map[string]string{
			"appId":  formatUint(e.AppID),
			"amount": formatUint(e.Amount),
		},
	}
}

// EscrowClaimed is emitted when the authorized claimer withdraws the escrow.
type EscrowClaimed struct {
	AppID     uint64
	Recipient crypto.Address
	AssetID   uint64
	Amount    uint64
	Refund    uint64
}

func (EscrowClaimed) EventType() string { return TypeEscrowClaimed }

func (e EscrowClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowClaimed,
		Attributes: map[string]string{
			"appId":     formatUint(e.AppID),
			"recipient": e.Recipient.String(),
			"assetId":   formatUint(e.AssetID),
			"amount":    formatUint(e.Amount),
			"refund":    formatUint(e.Refund),
		},
	}
}

// EscrowReclaimed is emitted when the creator reverses an unclaimed escrow.
type EscrowReclaimed struct {
	AppID   uint64
	Creator crypto.Address
	AssetID uint64
	Amount  uint64
	Refund  uint64
}

func (EscrowReclaimed) EventType() string { return TypeEscrowReclaimed }

func (e EscrowReclaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowReclaimed,
		Attributes: map[string]string{
			"appId":   formatUint(e.AppID),
			"creator": e.Creator.String(),
			"assetId": formatUint(e.AssetID),
			"amount":  formatUint(e.Amount),
			"refund":  formatUint(e.Refund),
		},
	}
}

type EscrowDeleted struct {
	AppID    uint64
	Creator  crypto.Address
	Unfunded bool
}

func (EscrowDeleted) EventType() string { return TypeEscrowDeleted }

func (e EscrowDeleted) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowDeleted,
		Attributes: map[string]string{
			"appId":    formatUint(e.AppID),
			"creator":  e.Creator.String(),
			"unfunded": strconv.FormatBool(e.Unfunded),
		},
	}
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
