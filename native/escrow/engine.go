package escrow

import (
	"errors"
	"fmt"

	"escrowlink/core/events"
	"escrowlink/core/types"
	"escrowlink/crypto"
)

var (
	errNilState       = errors.New("escrow engine: state not configured")
	errEscrowNotFound = errors.New("escrow engine: instance not found")
)

type engineState interface {
	EscrowGet(appID uint64) (*GlobalState, bool)
	EscrowPut(appID uint64, state *GlobalState) error
	EscrowDelete(appID uint64) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	// ApplyInner executes a transaction sent by the contract account.
	ApplyInner(tx types.Transaction) error
}

// Engine runs escrow calls against ledger state and emits the resulting
// events. The transition rules live in Transition; the engine only loads,
// applies and stores.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	assetReserve uint64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAssetReserve configures the minimum balance one asset holding adds to an
// account.
func (e *Engine) SetAssetReserve(amount uint64) { e.assetReserve = amount }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evts ...events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt != nil {
			e.emitter.Emit(evt)
		}
	}
}

func (e *Engine) loadEscrow(appID uint64) (*GlobalState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	state, ok := e.state.EscrowGet(appID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", errEscrowNotFound, appID)
	}
	return state.Clone(), nil
}

// Create initializes the instance deployed under appID by creator.
func (e *Engine) Create(appID uint64, creator crypto.Address, program []byte) (*GlobalState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	existing, _ := e.state.EscrowGet(appID)
	state, evt, err := Initialize(existing, appID, creator, program)
	if err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(appID, &state); err != nil {
		return nil, err
	}
	e.emit(evt)
	return state.Clone(), nil
}

// AcceptDeposit validates a payment or asset transfer into the contract.
func (e *Engine) AcceptDeposit(appID uint64, sender crypto.Address) error {
	state, err := e.loadEscrow(appID)
	if err != nil {
		return err
	}
	return AcceptDeposit(*state, crypto.ApplicationAddress(appID), sender)
}

// Invoke runs one application call. Inner transactions are applied in order;
// the caller is expected to discard the state if any of them fails.
func (e *Engine) Invoke(call Call) (*Effects, error) {
	state, err := e.loadEscrow(call.AppID)
	if err != nil {
		return nil, err
	}
	view, err := e.accountView(call.AppID, state)
	if err != nil {
		return nil, err
	}
	effects, err := Transition(*state, call, view)
	if err != nil {
		return nil, err
	}
	for i, inner := range effects.Inner {
		if err := e.state.ApplyInner(inner); err != nil {
			return nil, fmt.Errorf("escrow: inner transaction %d: %w", i, err)
		}
	}
	if effects.Delete {
		if err := e.state.EscrowDelete(call.AppID); err != nil {
			return nil, err
		}
	} else {
		next := effects.Next
		if err := e.state.EscrowPut(call.AppID, &next); err != nil {
			return nil, err
		}
	}
	e.emit(effects.Events...)
	return &effects, nil
}

func (e *Engine) accountView(appID uint64, state *GlobalState) (AccountView, error) {
	addr := crypto.ApplicationAddress(appID)
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return AccountView{}, err
	}
	if account == nil {
		account = &types.Account{Address: addr}
	}
	view := AccountView{
		Address:     addr,
		Balance:     account.Balance,
		MinBalance:  account.MinBalance,
		BaseReserve: account.MinBalance,
	}
	if state.AssetID != 0 && account.HoldsAsset(state.AssetID) {
		view.HoldsAsset = true
		view.AssetBalance = account.Assets[state.AssetID]
		if view.BaseReserve >= e.assetReserve {
			view.BaseReserve -= e.assetReserve
		} else {
			view.BaseReserve = 0
		}
	}
	return view, nil
}
