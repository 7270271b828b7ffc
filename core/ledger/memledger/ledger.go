// Package memledger is an in-process ledger that executes transaction groups
// atomically and runs the escrow contract for every application call. It
// backs the daemon's development mode and the protocol's integration tests.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"escrowlink/core/events"
	"escrowlink/core/ledger"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
	"escrowlink/native/fees"
)

const defaultValidityRounds = 1000

var (
	errGroupTag     = errors.New("group tag mismatch")
	errWindow       = errors.New("outside validity window")
	errPartialGroup = errors.New("group partially committed")
)

// Ledger is a single-node ledger. Every submitted group is staged on a copy
// of the state and swapped in only when all members apply cleanly.
type Ledger struct {
	mu        sync.Mutex
	state     *state
	round     uint64
	committed map[types.TxID]ledger.Confirmation

	schedule fees.Schedule
	validity uint64
	emitter  events.Emitter
	logger   *slog.Logger

	failTransient     int
	failAfterCommit   int
	dropConfirmations int
}

var _ ledger.Client = (*Ledger)(nil)

// Option customises a Ledger.
type Option func(*Ledger)

// WithSchedule sets the fee and minimum-balance schedule the ledger enforces.
func WithSchedule(schedule fees.Schedule) Option {
	return func(l *Ledger) { l.schedule = schedule }
}

// WithEmitter receives contract events of committed groups.
func WithEmitter(emitter events.Emitter) Option {
	return func(l *Ledger) { l.emitter = emitter }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithValidityRounds sets how many rounds Params advertises for new groups.
func WithValidityRounds(rounds uint64) Option {
	return func(l *Ledger) { l.validity = rounds }
}

// New returns an empty ledger at round 1.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		round:     1,
		committed: make(map[types.TxID]ledger.Confirmation),
		schedule:  fees.DefaultSchedule(),
		validity:  defaultValidityRounds,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.emitter == nil {
		l.emitter = events.NoopEmitter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.state = newState(l.schedule)
	return l
}

// Fund credits amount to addr outside of any transaction.
func (l *Ledger) Fund(addr crypto.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.account(addr).Balance += amount
}

// CreateAsset registers a new asset whose whole supply is held by creator
// and returns its id.
func (l *Ledger) CreateAsset(creator crypto.Address, total uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.state.nextAsst
	l.state.nextAsst++
	l.state.assets[id] = creator
	acc := l.state.account(creator)
	acc.Assets[id] = total
	acc.MinBalance += l.schedule.AssetMinBalance
	return id
}

// GrantAsset opts addr into assetID if needed and mints units to it.
func (l *Ledger) GrantAsset(addr crypto.Address, assetID, units uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.assets[assetID]; !ok {
		return fmt.Errorf("%w: %d", errUnknownAsset, assetID)
	}
	acc := l.state.account(addr)
	if _, held := acc.Assets[assetID]; !held {
		acc.MinBalance += l.schedule.AssetMinBalance
	}
	acc.Assets[assetID] += units
	return nil
}

// AdvanceRounds moves the ledger clock forward without committing anything.
func (l *Ledger) AdvanceRounds(n uint64) {
	l.mu.Lock()
	l.round += n
	l.mu.Unlock()
}

// FailTransient makes the next n submissions fail before reaching the ledger.
func (l *Ledger) FailTransient(n int) {
	l.mu.Lock()
	l.failTransient = n
	l.mu.Unlock()
}

// FailAfterCommit makes the next n successful submissions commit but report a
// transient failure to the caller, as a dropped connection would.
func (l *Ledger) FailAfterCommit(n int) {
	l.mu.Lock()
	l.failAfterCommit = n
	l.mu.Unlock()
}

// DropConfirmations makes the next n AwaitConfirmation calls time out even
// when the transaction is committed.
func (l *Ledger) DropConfirmations(n int) {
	l.mu.Lock()
	l.dropConfirmations = n
	l.mu.Unlock()
}

func (l *Ledger) Params(ctx context.Context) (ledger.Params, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Params{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Params{Round: l.round, ValidityRounds: l.validity}, nil
}

// Submit executes group atomically. A group whose first member is already
// committed is reported as AlreadyLanded with that member's id.
func (l *Ledger) Submit(ctx context.Context, group []types.SignedTransaction) ledger.Outcome {
	if err := ctx.Err(); err != nil {
		return ledger.Transient(err.Error())
	}
	if len(group) == 0 {
		return ledger.Rejected("empty group")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failTransient > 0 {
		l.failTransient--
		return ledger.Transient("ledger unavailable")
	}
	anchor := group[0].ID()
	if _, ok := l.committed[anchor]; ok {
		return ledger.AlreadyLanded(anchor)
	}
	for i := 1; i < len(group); i++ {
		if _, ok := l.committed[group[i].ID()]; ok {
			return ledger.Rejected(fmt.Sprintf("member %d: %v", i, errPartialGroup))
		}
	}
	if err := l.checkGroup(group); err != nil {
		return ledger.Rejected(err.Error())
	}

	staged := l.state.clone()
	buffer := &events.Recorder{}
	engine := escrow.NewEngine()
	engine.SetState(staged)
	engine.SetAssetReserve(l.schedule.AssetMinBalance)
	engine.SetEmitter(buffer)
	staged.engine = engine

	created := make([]uint64, len(group))
	for i, stx := range group {
		appID, err := staged.applyOuter(stx.Txn)
		if err != nil {
			l.logger.Debug("group rejected",
				slog.String("txId", anchor.String()),
				slog.Int("member", i),
				slog.String("reason", err.Error()))
			return ledger.Rejected(fmt.Sprintf("member %d (%s): %v", i, stx.ID(), err))
		}
		created[i] = appID
	}

	staged.engine = nil
	l.state = staged
	l.round++
	for i, stx := range group {
		id := stx.ID()
		l.committed[id] = ledger.Confirmation{TxID: id, Round: l.round, CreatedAppID: created[i]}
	}
	for _, evt := range buffer.Events() {
		l.emitter.Emit(evt)
	}
	l.logger.Debug("group committed",
		slog.String("txId", anchor.String()),
		slog.Int("size", len(group)),
		slog.Uint64("round", l.round))

	if l.failAfterCommit > 0 {
		l.failAfterCommit--
		return ledger.Transient("connection reset after submit")
	}
	return ledger.Confirmed(anchor)
}

func (l *Ledger) checkGroup(group []types.SignedTransaction) error {
	txns := make([]types.Transaction, len(group))
	for i, stx := range group {
		if err := stx.Verify(); err != nil {
			return fmt.Errorf("member %d: %w", i, err)
		}
		txns[i] = stx.Txn
	}
	next := l.round + 1
	for i, tx := range txns {
		if next < tx.FirstValid || next > tx.LastValid {
			return fmt.Errorf("member %d: %w: round %d not in [%d, %d]", i, errWindow, next, tx.FirstValid, tx.LastValid)
		}
	}
	if len(group) == 1 {
		if !txns[0].Group.IsZero() && txns[0].Group != types.ComputeGroupID(txns) {
			return fmt.Errorf("member 0: %w", errGroupTag)
		}
		return nil
	}
	want := types.ComputeGroupID(txns)
	for i, tx := range txns {
		if tx.Group != want {
			return fmt.Errorf("member %d: %w", i, errGroupTag)
		}
	}
	return nil
}

func (l *Ledger) AwaitConfirmation(ctx context.Context, txID types.TxID, maxRounds uint64) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropConfirmations > 0 {
		l.dropConfirmations--
		return ledger.Confirmation{}, fmt.Errorf("%w after %d rounds", ledger.ErrConfirmationTimeout, maxRounds)
	}
	conf, ok := l.committed[txID]
	if !ok {
		return ledger.Confirmation{}, fmt.Errorf("%w: %s", ledger.ErrConfirmationTimeout, txID)
	}
	return conf, nil
}

func (l *Ledger) TransactionStatus(ctx context.Context, txID types.TxID) (ledger.Confirmation, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	conf, ok := l.committed[txID]
	return conf, ok, nil
}

// AccountState returns a copy of the account. Unknown and closed accounts
// read as empty.
func (l *Ledger) AccountState(ctx context.Context, addr crypto.Address) (*types.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.state.accounts[addr]
	if !ok {
		return &types.Account{Address: addr, Assets: map[uint64]uint64{}}, nil
	}
	return acc.Clone(), nil
}

func (l *Ledger) ContractState(ctx context.Context, appID uint64) (*escrow.GlobalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state.escrows[appID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ledger.ErrContractNotFound, appID)
	}
	return st.Clone(), nil
}
