package escrow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"escrowlink/core/events"
	"escrowlink/core/types"
	"escrowlink/crypto"
)

const (
	testAccountReserve = 100_000
	testAssetReserve   = 100_000
	testAssetID        = 31566704
)

type mockState struct {
	escrows  map[uint64]*GlobalState
	accounts map[crypto.Address]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[uint64]*GlobalState),
		accounts: make(map[crypto.Address]*types.Account),
	}
}

func newTestAddress(fill byte) crypto.Address {
	var addr crypto.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, crypto.AddressLength))
	return addr
}

func (m *mockState) EscrowGet(appID uint64) (*GlobalState, bool) {
	state, ok := m.escrows[appID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

func (m *mockState) EscrowPut(appID uint64, state *GlobalState) error {
	m.escrows[appID] = state.Clone()
	return nil
}

func (m *mockState) EscrowDelete(appID uint64) error {
	delete(m.escrows, appID)
	return nil
}

func (m *mockState) GetAccount(addr crypto.Address) (*types.Account, error) {
	return m.account(addr).Clone(), nil
}

func (m *mockState) account(addr crypto.Address) *types.Account {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = &types.Account{Address: addr, MinBalance: testAccountReserve, Assets: map[uint64]uint64{}}
		m.accounts[addr] = acc
	}
	return acc
}

func (m *mockState) ApplyInner(tx types.Transaction) error {
	from := m.account(tx.Sender)
	switch tx.Type {
	case types.TxTypePayment:
		if from.Balance < tx.Amount {
			return fmt.Errorf("overspend")
		}
		from.Balance -= tx.Amount
		m.account(tx.Receiver).Balance += tx.Amount
		if !tx.CloseRemainderTo.IsZero() {
			m.account(tx.CloseRemainderTo).Balance += from.Balance
			delete(m.accounts, tx.Sender)
		}
	case types.TxTypeAssetTransfer:
		if tx.Sender == tx.AssetReceiver && tx.AssetAmount == 0 {
			from.Assets[tx.AssetID] = 0
			from.MinBalance += testAssetReserve
			return nil
		}
		to := m.account(tx.AssetReceiver)
		if _, ok := to.Assets[tx.AssetID]; !ok {
			return fmt.Errorf("receiver not opted in")
		}
		if from.Assets[tx.AssetID] < tx.AssetAmount {
			return fmt.Errorf("asset overspend")
		}
		from.Assets[tx.AssetID] -= tx.AssetAmount
		to.Assets[tx.AssetID] += tx.AssetAmount
		if !tx.AssetCloseTo.IsZero() {
			m.account(tx.AssetCloseTo).Assets[tx.AssetID] += from.Assets[tx.AssetID]
			delete(from.Assets, tx.AssetID)
			from.MinBalance -= testAssetReserve
		}
	}
	return nil
}

type testEnv struct {
	state    *mockState
	engine   *Engine
	recorder *events.Recorder
	creator  crypto.Address
	claimer  crypto.Address
	appID    uint64
	app      crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetAssetReserve(testAssetReserve)
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)

	env := &testEnv{
		state:    state,
		engine:   engine,
		recorder: recorder,
		creator:  newTestAddress(0x11),
		claimer:  newTestAddress(0x22),
		appID:    7,
	}
	env.app = crypto.ApplicationAddress(env.appID)
	program, err := CompileProgram(env.claimer)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := engine.Create(env.appID, env.creator, program.Source); err != nil {
		t.Fatalf("create: %v", err)
	}
	state.account(env.creator).Assets[testAssetID] = 50_000_000
	return env
}

// fund mirrors the funding group: reserve payment, opt-in, amount, deposit.
func (env *testEnv) fund(t *testing.T, amount uint64) {
	t.Helper()
	env.state.account(env.app).Balance += 300_000
	if _, err := env.engine.Invoke(Call{
		AppID:         env.appID,
		Sender:        env.creator,
		Args:          [][]byte{[]byte(SelectorOptInAsset)},
		ForeignAssets: []uint64{testAssetID},
	}); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if _, err := env.engine.Invoke(Call{
		AppID:  env.appID,
		Sender: env.creator,
		Args:   [][]byte{[]byte(SelectorSetAmount), encodeAmount(amount)},
	}); err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if err := env.engine.AcceptDeposit(env.appID, env.creator); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.state.account(env.creator).Assets[testAssetID] -= amount
	env.state.account(env.app).Assets[testAssetID] += amount
}

func (env *testEnv) claimCall(sender, recipient crypto.Address) Call {
	call := Call{
		AppID:         env.appID,
		Sender:        sender,
		Args:          [][]byte{[]byte(SelectorClaim)},
		ForeignAssets: []uint64{testAssetID},
	}
	if !recipient.IsZero() {
		call.Accounts = []crypto.Address{recipient}
	}
	return call
}

func (env *testEnv) reclaimCall(sender crypto.Address) Call {
	return Call{AppID: env.appID, Sender: sender, Args: [][]byte{[]byte(SelectorReclaim)}, ForeignAssets: []uint64{testAssetID}}
}

func (env *testEnv) current(t *testing.T) GlobalState {
	t.Helper()
	state, ok := env.state.EscrowGet(env.appID)
	if !ok {
		t.Fatalf("instance %d missing", env.appID)
	}
	return *state
}

func encodeAmount(v uint64) []byte {
	buf := make([]byte, AmountWidth)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func TestCreateBindsClaimerFromProgram(t *testing.T) {
	env := newTestEnv(t)
	state := env.current(t)
	if state.Creator != env.creator || state.AuthorizedClaimer != env.claimer {
		t.Fatalf("unexpected initial state %+v", state)
	}
	if state.Claimed || state.AmountSet || state.Status() != StatusCreated {
		t.Fatalf("fresh instance must be unfunded and unclaimed")
	}
	program, _ := CompileProgram(env.claimer)
	if _, err := env.engine.Create(env.appID, env.creator, program.Source); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if got := env.recorder.OfType(events.TypeEscrowCreated); len(got) != 1 {
		t.Fatalf("expected one created event, got %d", len(got))
	}
}

func TestClaimPaysRecipientAndRefundsCreator(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 25_000_000)
	recipient := newTestAddress(0x33)
	env.state.account(recipient).Assets[testAssetID] = 0
	creatorBefore := env.state.account(env.creator).Balance

	effects, err := env.engine.Invoke(env.claimCall(env.claimer, recipient))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(effects.Inner) != 2 {
		t.Fatalf("expected asset transfer and refund, got %d inner txs", len(effects.Inner))
	}
	if got := env.state.account(recipient).Assets[testAssetID]; got != 25_000_000 {
		t.Fatalf("recipient holds %d", got)
	}
	app := env.state.account(env.app)
	if app.Balance != app.MinBalance {
		t.Fatalf("contract must keep exactly its reserve, has %d of %d", app.Balance, app.MinBalance)
	}
	if env.state.account(env.creator).Balance <= creatorBefore {
		t.Fatalf("creator was not refunded")
	}
	if !env.current(t).Claimed {
		t.Fatalf("claimed flag not set")
	}
}

func TestClaimRejections(t *testing.T) {
	env := newTestEnv(t)
	recipient := newTestAddress(0x33)
	env.state.account(recipient).Assets[testAssetID] = 0

	if _, err := env.engine.Invoke(env.claimCall(env.claimer, recipient)); !errors.Is(err, ErrAmountNotSet) {
		t.Fatalf("expected ErrAmountNotSet before funding, got %v", err)
	}
	env.fund(t, 1_000)
	if _, err := env.engine.Invoke(env.claimCall(env.creator, recipient)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for creator claim, got %v", err)
	}
	if _, err := env.engine.Invoke(env.claimCall(env.claimer, crypto.Address{})); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	if env.current(t).Claimed {
		t.Fatalf("failed calls must not change state")
	}
	if _, err := env.engine.Invoke(env.claimCall(env.claimer, recipient)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.engine.Invoke(env.claimCall(env.claimer, recipient)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on second claim, got %v", err)
	}
}

func TestClaimAndReclaimAreMutuallyExclusive(t *testing.T) {
	t.Run("claim then reclaim", func(t *testing.T) {
		env := newTestEnv(t)
		env.fund(t, 1_000)
		recipient := newTestAddress(0x33)
		env.state.account(recipient).Assets[testAssetID] = 0
		if _, err := env.engine.Invoke(env.claimCall(env.claimer, recipient)); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := env.engine.Invoke(env.reclaimCall(env.creator)); !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("expected reclaim to fail, got %v", err)
		}
	})
	t.Run("reclaim then claim", func(t *testing.T) {
		env := newTestEnv(t)
		env.fund(t, 1_000)
		creatorAssets := env.state.account(env.creator).Assets[testAssetID]
		if _, err := env.engine.Invoke(env.reclaimCall(env.creator)); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if got := env.state.account(env.creator).Assets[testAssetID]; got != creatorAssets+1_000 {
			t.Fatalf("creator holds %d after reclaim", got)
		}
		app := env.state.account(env.app)
		if app.HoldsAsset(testAssetID) {
			t.Fatalf("reclaim must close the asset holding")
		}
		if app.Balance != testAccountReserve {
			t.Fatalf("contract keeps %d, want base reserve", app.Balance)
		}
		recipient := newTestAddress(0x33)
		env.state.account(recipient).Assets[testAssetID] = 0
		if _, err := env.engine.Invoke(env.claimCall(env.claimer, recipient)); !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("expected claim after reclaim to fail, got %v", err)
		}
		if StatusOf(env.current(t), ResolutionReclaimed, false) != StatusReclaimed {
			t.Fatalf("unexpected status")
		}
	})
}

func TestReclaimRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1_000)
	if _, err := env.engine.Invoke(env.reclaimCall(env.claimer)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClaimedFlagIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1_000)
	if _, err := env.engine.Invoke(env.reclaimCall(env.creator)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	calls := []Call{
		env.reclaimCall(env.creator),
		env.claimCall(env.claimer, env.creator),
		{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte(SelectorSetAmount), encodeAmount(5)}},
		{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte(SelectorOptInAsset)}, ForeignAssets: []uint64{99}},
	}
	for i, call := range calls {
		_, _ = env.engine.Invoke(call)
		if !env.current(t).Claimed {
			t.Fatalf("call %d reverted the claimed flag", i)
		}
	}
}

func TestAuthorizedClaimerIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	intruder := newTestAddress(0x44)
	calls := []Call{
		{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte(SelectorOptInAsset)}, ForeignAssets: []uint64{testAssetID}},
		{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte(SelectorSetAmount), encodeAmount(10)}},
		{AppID: env.appID, Sender: intruder, Args: [][]byte{[]byte("set_claimer"), intruder.Bytes()}},
		env.claimCall(intruder, intruder),
		env.reclaimCall(env.creator),
	}
	for _, call := range calls {
		_, _ = env.engine.Invoke(call)
		if env.current(t).AuthorizedClaimer != env.claimer {
			t.Fatalf("authorized claimer changed")
		}
	}
}

func TestSetAmountEncodingAndOnce(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		args [][]byte
		want error
	}{
		{"missing", [][]byte{[]byte(SelectorSetAmount)}, ErrAmountEncoding},
		{"short", [][]byte{[]byte(SelectorSetAmount), {0, 1}}, ErrAmountEncoding},
		{"long", [][]byte{[]byte(SelectorSetAmount), make([]byte, 9)}, ErrAmountEncoding},
		{"zero", [][]byte{[]byte(SelectorSetAmount), encodeAmount(0)}, ErrZeroAmount},
	}
	for _, tc := range cases {
		_, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.creator, Args: tc.args})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	set := Call{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte(SelectorSetAmount), encodeAmount(25_000_000)}}
	if _, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.claimer, Args: set.Args}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Invoke(set); err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if got := env.current(t).Amount; got != 25_000_000 {
		t.Fatalf("stored amount %d", got)
	}
	if _, err := env.engine.Invoke(set); !errors.Is(err, ErrAmountAlreadySet) {
		t.Fatalf("expected ErrAmountAlreadySet, got %v", err)
	}
}

func TestUnknownSelectorRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.creator, Args: [][]byte{[]byte("drain")}}); !errors.Is(err, ErrUnknownSelector) {
		t.Fatalf("expected ErrUnknownSelector, got %v", err)
	}
	if _, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.creator}); !errors.Is(err, ErrMissingSelector) {
		t.Fatalf("expected ErrMissingSelector, got %v", err)
	}
}

func TestDeleteRules(t *testing.T) {
	t.Run("funded instance must be resolved", func(t *testing.T) {
		env := newTestEnv(t)
		env.fund(t, 1_000)
		del := Call{AppID: env.appID, Sender: env.creator, OnCompletion: types.DeleteApplication, ForeignAssets: []uint64{testAssetID}}
		if _, err := env.engine.Invoke(del); !errors.Is(err, ErrNotResolved) {
			t.Fatalf("expected ErrNotResolved, got %v", err)
		}
		if _, err := env.engine.Invoke(env.reclaimCall(env.creator)); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if _, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.claimer, OnCompletion: types.DeleteApplication, ForeignAssets: []uint64{testAssetID}}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if _, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.creator, OnCompletion: types.DeleteApplication, ForeignAssets: []uint64{1}}); !errors.Is(err, ErrAssetMismatch) {
			t.Fatalf("expected ErrAssetMismatch, got %v", err)
		}
		creatorBefore := env.state.account(env.creator).Balance
		if _, err := env.engine.Invoke(del); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok := env.state.EscrowGet(env.appID); ok {
			t.Fatalf("instance still present after delete")
		}
		if got := env.state.account(env.creator).Balance - creatorBefore; got != testAccountReserve {
			t.Fatalf("creator recovered %d, want the base reserve", got)
		}
	})
	t.Run("unfunded instance can be removed", func(t *testing.T) {
		env := newTestEnv(t)
		env.state.account(env.app).Balance = testAccountReserve
		effects, err := env.engine.Invoke(Call{AppID: env.appID, Sender: env.creator, OnCompletion: types.DeleteApplication})
		if err != nil {
			t.Fatalf("delete unfunded: %v", err)
		}
		if len(effects.Inner) != 1 || effects.Inner[0].Type != types.TxTypePayment {
			t.Fatalf("unfunded cleanup must not touch assets: %+v", effects.Inner)
		}
		deleted := env.recorder.OfType(events.TypeEscrowDeleted)
		if len(deleted) != 1 || !deleted[0].(events.EscrowDeleted).Unfunded {
			t.Fatalf("expected an unfunded delete event")
		}
	})
}

func TestDepositsOnlyFromCreatorOrSelf(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.AcceptDeposit(env.appID, env.creator); err != nil {
		t.Fatalf("creator deposit: %v", err)
	}
	if err := env.engine.AcceptDeposit(env.appID, env.app); err != nil {
		t.Fatalf("self deposit: %v", err)
	}
	if err := env.engine.AcceptDeposit(env.appID, newTestAddress(0x55)); !errors.Is(err, ErrDepositRejected) {
		t.Fatalf("expected ErrDepositRejected, got %v", err)
	}
}
