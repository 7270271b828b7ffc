package escrow

import (
	"encoding/binary"
	"fmt"

	"escrowlink/core/events"
	"escrowlink/core/types"
	"escrowlink/crypto"
)

// AccountView is the contract account as the ledger sees it when a call runs.
type AccountView struct {
	Address    crypto.Address
	Balance    uint64
	MinBalance uint64
	// BaseReserve is the reserve left once the asset holding is closed.
	BaseReserve  uint64
	HoldsAsset   bool
	AssetBalance uint64
}

func (v AccountView) spendableAbove(reserve uint64) uint64 {
	if v.Balance <= reserve {
		return 0
	}
	return v.Balance - reserve
}

// Call is one application call against an initialized instance.
type Call struct {
	AppID         uint64
	Sender        crypto.Address
	OnCompletion  types.OnCompletion
	Args          [][]byte
	Accounts      []crypto.Address
	ForeignAssets []uint64
}

// CallFromTransaction extracts the call arguments from an application call.
func CallFromTransaction(tx types.Transaction) Call {
	return Call{
		AppID:         tx.AppID,
		Sender:        tx.Sender,
		OnCompletion:  tx.OnCompletion,
		Args:          tx.AppArgs,
		Accounts:      tx.Accounts,
		ForeignAssets: tx.ForeignAssets,
	}
}

// Effects is the outcome of an accepted call. Inner transactions are sent
// from the contract account in order and carry no fee of their own.
type Effects struct {
	Next   GlobalState
	Inner  []types.Transaction
	Events []events.Event
	Delete bool
}

// Initialize builds the state of a freshly deployed instance. The authorized
// claimer comes from the program literal and nothing else.
func Initialize(existing *GlobalState, appID uint64, creator crypto.Address, program []byte) (GlobalState, events.Event, error) {
	if existing != nil {
		return GlobalState{}, nil, ErrAlreadyInitialized
	}
	if creator.IsZero() {
		return GlobalState{}, nil, fmt.Errorf("%w: creator required", ErrUnauthorized)
	}
	claimer, err := ProgramClaimer(program)
	if err != nil {
		return GlobalState{}, nil, err
	}
	state := GlobalState{Creator: creator, AuthorizedClaimer: claimer}
	return state, events.EscrowCreated{AppID: appID, Creator: creator, Claimer: claimer}, nil
}

// AcceptDeposit rejects value transfers into the contract from anyone other
// than the creator or the contract itself.
func AcceptDeposit(state GlobalState, app, sender crypto.Address) error {
	if sender == state.Creator || sender == app {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDepositRejected, sender)
}

// Transition applies call to state. On error the state is unchanged.
func Transition(state GlobalState, call Call, account AccountView) (Effects, error) {
	if call.OnCompletion == types.DeleteApplication {
		return deleteInstance(state, call, account)
	}
	if call.OnCompletion != types.NoOp {
		return Effects{}, fmt.Errorf("escrow: unsupported completion %d", call.OnCompletion)
	}
	if len(call.Args) == 0 {
		return Effects{}, ErrMissingSelector
	}
	selector, err := ParseSelector(call.Args[0])
	if err != nil {
		return Effects{}, err
	}
	switch selector {
	case SelectorOptInAsset:
		return optInAsset(state, call, account)
	case SelectorSetAmount:
		return setAmount(state, call)
	case SelectorClaim:
		return claim(state, call, account)
	case SelectorReclaim:
		return reclaim(state, call, account)
	}
	return Effects{}, fmt.Errorf("%w: %q", ErrUnknownSelector, selector)
}

func optInAsset(state GlobalState, call Call, account AccountView) (Effects, error) {
	if call.Sender != state.Creator {
		return Effects{}, ErrUnauthorized
	}
	if state.Claimed {
		return Effects{}, ErrAlreadyClaimed
	}
	if state.AssetID != 0 {
		return Effects{}, ErrAssetAlreadyOpted
	}
	if len(call.ForeignAssets) == 0 || call.ForeignAssets[0] == 0 {
		return Effects{}, ErrMissingAsset
	}
	assetID := call.ForeignAssets[0]
	next := state
	next.AssetID = assetID
	return Effects{
		Next: next,
		Inner: []types.Transaction{{
			Type:          types.TxTypeAssetTransfer,
			Sender:        account.Address,
			AssetID:       assetID,
			AssetReceiver: account.Address,
		}},
		Events: []events.Event{events.EscrowAssetOptedIn{AppID: call.AppID, AssetID: assetID}},
	}, nil
}

func setAmount(state GlobalState, call Call) (Effects, error) {
	if call.Sender != state.Creator {
		return Effects{}, ErrUnauthorized
	}
	if state.Claimed {
		return Effects{}, ErrAlreadyClaimed
	}
	if state.AmountSet {
		return Effects{}, ErrAmountAlreadySet
	}
	if len(call.Args) != 2 || len(call.Args[1]) != AmountWidth {
		return Effects{}, ErrAmountEncoding
	}
	amount := binary.BigEndian.Uint64(call.Args[1])
	if amount == 0 {
		return Effects{}, ErrZeroAmount
	}
	next := state
	next.Amount = amount
	next.AmountSet = true
	return Effects{
		Next:   next,
		Events: []events.Event{events.EscrowAmountSet{AppID: call.AppID, Amount: amount}},
	}, nil
}

func claim(state GlobalState, call Call, account AccountView) (Effects, error) {
	if state.Claimed {
		return Effects{}, ErrAlreadyClaimed
	}
	if call.Sender != state.AuthorizedClaimer {
		return Effects{}, ErrUnauthorized
	}
	if !state.AmountSet || state.AssetID == 0 {
		return Effects{}, ErrAmountNotSet
	}
	if len(call.Accounts) == 0 || call.Accounts[0].IsZero() {
		return Effects{}, ErrMissingRecipient
	}
	recipient := call.Accounts[0]
	refund := account.spendableAbove(account.MinBalance)

	next := state
	next.Claimed = true
	inner := []types.Transaction{{
		Type:          types.TxTypeAssetTransfer,
		Sender:        account.Address,
		AssetID:       state.AssetID,
		AssetAmount:   state.Amount,
		AssetReceiver: recipient,
	}}
	if refund > 0 {
		inner = append(inner, types.Transaction{
			Type:     types.TxTypePayment,
			Sender:   account.Address,
			Receiver: state.Creator,
			Amount:   refund,
		})
	}
	return Effects{
		Next:  next,
		Inner: inner,
		Events: []events.Event{events.EscrowClaimed{
			AppID:     call.AppID,
			Recipient: recipient,
			AssetID:   state.AssetID,
			Amount:    state.Amount,
			Refund:    refund,
		}},
	}, nil
}

func reclaim(state GlobalState, call Call, account AccountView) (Effects, error) {
	if call.Sender != state.Creator {
		return Effects{}, ErrUnauthorized
	}
	if state.Claimed {
		return Effects{}, ErrAlreadyClaimed
	}
	next := state
	next.Claimed = true

	var inner []types.Transaction
	if account.HoldsAsset {
		inner = append(inner, types.Transaction{
			Type:          types.TxTypeAssetTransfer,
			Sender:        account.Address,
			AssetID:       state.AssetID,
			AssetAmount:   account.AssetBalance,
			AssetReceiver: state.Creator,
			AssetCloseTo:  state.Creator,
		})
	}
	refund := account.spendableAbove(account.BaseReserve)
	if refund > 0 {
		inner = append(inner, types.Transaction{
			Type:     types.TxTypePayment,
			Sender:   account.Address,
			Receiver: state.Creator,
			Amount:   refund,
		})
	}
	return Effects{
		Next:  next,
		Inner: inner,
		Events: []events.Event{events.EscrowReclaimed{
			AppID:   call.AppID,
			Creator: state.Creator,
			AssetID: state.AssetID,
			Amount:  account.AssetBalance,
			Refund:  refund,
		}},
	}, nil
}

// deleteInstance closes the contract account back to the creator. Funded
// instances must be resolved first; an instance whose funding never landed
// may be removed directly.
func deleteInstance(state GlobalState, call Call, account AccountView) (Effects, error) {
	if call.Sender != state.Creator {
		return Effects{}, ErrUnauthorized
	}
	unfunded := state.Unfunded()
	if !state.Claimed && !unfunded {
		return Effects{}, ErrNotResolved
	}
	if state.AssetID != 0 {
		if len(call.ForeignAssets) == 0 || call.ForeignAssets[0] != state.AssetID {
			return Effects{}, ErrAssetMismatch
		}
	}
	var inner []types.Transaction
	if account.HoldsAsset {
		inner = append(inner, types.Transaction{
			Type:          types.TxTypeAssetTransfer,
			Sender:        account.Address,
			AssetID:       state.AssetID,
			AssetAmount:   account.AssetBalance,
			AssetReceiver: state.Creator,
			AssetCloseTo:  state.Creator,
		})
	}
	inner = append(inner, types.Transaction{
		Type:             types.TxTypePayment,
		Sender:           account.Address,
		Receiver:         state.Creator,
		CloseRemainderTo: state.Creator,
	})
	return Effects{
		Next:   state,
		Inner:  inner,
		Delete: true,
		Events: []events.Event{events.EscrowDeleted{AppID: call.AppID, Creator: state.Creator, Unfunded: !state.Claimed}},
	}, nil
}
