package memledger

import (
	"errors"
	"fmt"

	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
	"escrowlink/native/fees"
)

var (
	errBelowMinBalance = errors.New("balance below minimum")
	errOverspend       = errors.New("overspend")
	errNotOptedIn      = errors.New("receiver not opted in to asset")
	errUnknownAsset    = errors.New("unknown asset")
	errHoldsAssets     = errors.New("cannot close account holding assets")
)

// state is the mutable ledger view a group executes against. The ledger
// clones it per group and swaps it in only when every member succeeds.
type state struct {
	schedule fees.Schedule
	accounts map[crypto.Address]*types.Account
	escrows  map[uint64]*escrow.GlobalState
	appAddrs map[crypto.Address]uint64
	assets   map[uint64]crypto.Address
	nextApp  uint64
	nextAsst uint64

	engine  *escrow.Engine
	touched map[crypto.Address]struct{}
}

func newState(schedule fees.Schedule) *state {
	return &state{
		schedule: schedule,
		accounts: make(map[crypto.Address]*types.Account),
		escrows:  make(map[uint64]*escrow.GlobalState),
		appAddrs: make(map[crypto.Address]uint64),
		assets:   make(map[uint64]crypto.Address),
		nextApp:  1000,
		nextAsst: 31566700,
	}
}

func (s *state) clone() *state {
	out := &state{
		schedule: s.schedule,
		accounts: make(map[crypto.Address]*types.Account, len(s.accounts)),
		escrows:  make(map[uint64]*escrow.GlobalState, len(s.escrows)),
		appAddrs: make(map[crypto.Address]uint64, len(s.appAddrs)),
		assets:   make(map[uint64]crypto.Address, len(s.assets)),
		nextApp:  s.nextApp,
		nextAsst: s.nextAsst,
	}
	for addr, acc := range s.accounts {
		out.accounts[addr] = acc.Clone()
	}
	for id, st := range s.escrows {
		out.escrows[id] = st.Clone()
	}
	for addr, id := range s.appAddrs {
		out.appAddrs[addr] = id
	}
	for id, creator := range s.assets {
		out.assets[id] = creator
	}
	return out
}

func (s *state) EscrowGet(appID uint64) (*escrow.GlobalState, bool) {
	st, ok := s.escrows[appID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (s *state) EscrowPut(appID uint64, st *escrow.GlobalState) error {
	s.escrows[appID] = st.Clone()
	s.appAddrs[crypto.ApplicationAddress(appID)] = appID
	return nil
}

func (s *state) EscrowDelete(appID uint64) error {
	delete(s.escrows, appID)
	delete(s.appAddrs, crypto.ApplicationAddress(appID))
	return nil
}

func (s *state) GetAccount(addr crypto.Address) (*types.Account, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return &types.Account{Address: addr}, nil
	}
	return acc.Clone(), nil
}

func (s *state) ApplyInner(tx types.Transaction) error {
	return s.apply(tx, true)
}

// account returns the live account, creating it on first touch.
func (s *state) account(addr crypto.Address) *types.Account {
	acc, ok := s.accounts[addr]
	if !ok {
		acc = &types.Account{Address: addr, MinBalance: s.schedule.AccountMinBalance, Assets: map[uint64]uint64{}}
		s.accounts[addr] = acc
	}
	if acc.Assets == nil {
		acc.Assets = map[uint64]uint64{}
	}
	s.touch(addr)
	return acc
}

func (s *state) touch(addr crypto.Address) {
	if s.touched != nil {
		s.touched[addr] = struct{}{}
	}
}

// checkReserves enforces the minimum balance of every account touched since
// the last check.
func (s *state) checkReserves() error {
	for addr := range s.touched {
		acc, ok := s.accounts[addr]
		if !ok {
			continue
		}
		if acc.Balance < acc.MinBalance {
			return fmt.Errorf("%w: %s holds %d, needs %d", errBelowMinBalance, addr, acc.Balance, acc.MinBalance)
		}
	}
	s.touched = make(map[crypto.Address]struct{})
	return nil
}

// applyOuter executes one signed member of a group and returns the id of any
// contract instance it created.
func (s *state) applyOuter(tx types.Transaction) (uint64, error) {
	s.touched = make(map[crypto.Address]struct{})
	sender := s.account(tx.Sender)
	if sender.Balance < tx.Fee {
		return 0, fmt.Errorf("%w: fee %d exceeds balance %d", errOverspend, tx.Fee, sender.Balance)
	}
	sender.Balance -= tx.Fee

	var created uint64
	switch tx.Type {
	case types.TxTypeAppCall:
		var err error
		created, err = s.applyAppCall(tx)
		if err != nil {
			return 0, err
		}
	default:
		if err := s.apply(tx, false); err != nil {
			return 0, err
		}
	}
	return created, s.checkReserves()
}

func (s *state) apply(tx types.Transaction, inner bool) error {
	switch tx.Type {
	case types.TxTypePayment:
		return s.applyPayment(tx)
	case types.TxTypeAssetTransfer:
		return s.applyAssetTransfer(tx)
	case types.TxTypeAppCall:
		if inner {
			return fmt.Errorf("inner application calls are not supported")
		}
	}
	return fmt.Errorf("unsupported transaction type %s", tx.Type)
}

func (s *state) acceptDeposit(receiver, sender crypto.Address) error {
	appID, ok := s.appAddrs[receiver]
	if !ok {
		return nil
	}
	return s.engine.AcceptDeposit(appID, sender)
}

func (s *state) applyPayment(tx types.Transaction) error {
	if err := s.acceptDeposit(tx.Receiver, tx.Sender); err != nil {
		return err
	}
	if !tx.CloseRemainderTo.IsZero() {
		if err := s.acceptDeposit(tx.CloseRemainderTo, tx.Sender); err != nil {
			return err
		}
	}
	from := s.account(tx.Sender)
	if from.Balance < tx.Amount {
		return fmt.Errorf("%w: %s pays %d with %d", errOverspend, tx.Sender, tx.Amount, from.Balance)
	}
	from.Balance -= tx.Amount
	if !tx.Receiver.IsZero() {
		s.account(tx.Receiver).Balance += tx.Amount
	}
	if tx.CloseRemainderTo.IsZero() {
		return nil
	}
	if len(from.Assets) > 0 {
		return fmt.Errorf("%w: %s", errHoldsAssets, tx.Sender)
	}
	s.account(tx.CloseRemainderTo).Balance += from.Balance
	delete(s.accounts, tx.Sender)
	return nil
}

func (s *state) applyAssetTransfer(tx types.Transaction) error {
	if _, ok := s.assets[tx.AssetID]; !ok {
		return fmt.Errorf("%w: %d", errUnknownAsset, tx.AssetID)
	}
	from := s.account(tx.Sender)

	if tx.Sender == tx.AssetReceiver && tx.AssetAmount == 0 && tx.AssetCloseTo.IsZero() {
		if _, held := from.Assets[tx.AssetID]; !held {
			from.Assets[tx.AssetID] = 0
			from.MinBalance += s.schedule.AssetMinBalance
		}
		return nil
	}
	if err := s.acceptDeposit(tx.AssetReceiver, tx.Sender); err != nil {
		return err
	}
	if !tx.AssetCloseTo.IsZero() {
		if err := s.acceptDeposit(tx.AssetCloseTo, tx.Sender); err != nil {
			return err
		}
	}
	held, ok := from.Assets[tx.AssetID]
	if !ok {
		return fmt.Errorf("%w: sender %s", errNotOptedIn, tx.Sender)
	}
	if held < tx.AssetAmount {
		return fmt.Errorf("%w: %s sends %d of asset %d with %d", errOverspend, tx.Sender, tx.AssetAmount, tx.AssetID, held)
	}
	to := s.account(tx.AssetReceiver)
	if _, ok := to.Assets[tx.AssetID]; !ok {
		return fmt.Errorf("%w: %s", errNotOptedIn, tx.AssetReceiver)
	}
	from.Assets[tx.AssetID] -= tx.AssetAmount
	to.Assets[tx.AssetID] += tx.AssetAmount

	if tx.AssetCloseTo.IsZero() {
		return nil
	}
	closeTo := s.account(tx.AssetCloseTo)
	if _, ok := closeTo.Assets[tx.AssetID]; !ok {
		return fmt.Errorf("%w: %s", errNotOptedIn, tx.AssetCloseTo)
	}
	closeTo.Assets[tx.AssetID] += from.Assets[tx.AssetID]
	delete(from.Assets, tx.AssetID)
	if from.MinBalance >= s.schedule.AssetMinBalance {
		from.MinBalance -= s.schedule.AssetMinBalance
	}
	return nil
}

func (s *state) applyAppCall(tx types.Transaction) (uint64, error) {
	if tx.AppID == 0 {
		if len(tx.Program) == 0 {
			return 0, fmt.Errorf("application create requires a program")
		}
		appID := s.nextApp
		s.nextApp++
		if _, err := s.engine.Create(appID, tx.Sender, tx.Program); err != nil {
			return 0, err
		}
		creator := s.account(tx.Sender)
		creator.MinBalance += s.schedule.AppCreateMinBalance
		creator.CreatedApp = append(creator.CreatedApp, appID)
		return appID, nil
	}

	current, ok := s.escrows[tx.AppID]
	if !ok {
		return 0, fmt.Errorf("application %d does not exist", tx.AppID)
	}
	effects, err := s.engine.Invoke(escrow.CallFromTransaction(tx))
	if err != nil {
		return 0, err
	}
	if minFee := s.schedule.PaymentFee * uint64(1+len(effects.Inner)); tx.Fee < minFee {
		return 0, fmt.Errorf("fee %d does not cover %d inner transactions (need %d)", tx.Fee, len(effects.Inner), minFee)
	}
	if effects.Delete {
		delete(s.accounts, crypto.ApplicationAddress(tx.AppID))
		creator := s.account(current.Creator)
		if creator.MinBalance >= s.schedule.AppCreateMinBalance {
			creator.MinBalance -= s.schedule.AppCreateMinBalance
		}
		creator.CreatedApp = removeApp(creator.CreatedApp, tx.AppID)
	}
	return 0, nil
}

func removeApp(apps []uint64, appID uint64) []uint64 {
	out := apps[:0]
	for _, id := range apps {
		if id != appID {
			out = append(out, id)
		}
	}
	return out
}
