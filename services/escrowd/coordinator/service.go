// Package coordinator orchestrates the escrow lifecycle on behalf of the HTTP
// layer. It validates requests, builds the protocol groups, submits them
// through the retrying submitter and writes record checkpoints once the ledger
// has confirmed each phase.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"escrowlink/core/capsule"
	coreerrors "escrowlink/core/errors"
	"escrowlink/core/ledger"
	"escrowlink/core/txgroup"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
	"escrowlink/native/fees"
	"escrowlink/observability"
	"escrowlink/services/escrowd/storage"
)

// Store is the escrow record store consumed by the service.
type Store interface {
	Create(ctx context.Context, rec *storage.EscrowRecord) error
	ByClaimHash(ctx context.Context, hash string) (*storage.EscrowRecord, error)
	ByAppID(ctx context.Context, appID uint64) (*storage.EscrowRecord, error)
	MarkFunded(ctx context.Context, appID uint64, txID string) error
	MarkResolved(ctx context.Context, appID uint64, resolution escrow.Resolution, recipient, txID string) error
	MarkCleanedUp(ctx context.Context, appID uint64, txID string) error
}

// Config wires the collaborators of a Service.
type Config struct {
	Submitter *ledger.Submitter
	Builder   *txgroup.Builder
	Hasher    *capsule.Hasher
	Store     Store
	Assets    AssetRegistry
	Metrics   *observability.EscrowdMetrics
	Logger    *slog.Logger
}

// Service implements the escrow operations. It holds no per-escrow state;
// the ledger and the record store are the only sources of truth.
type Service struct {
	submitter *ledger.Submitter
	client    ledger.Client
	builder   *txgroup.Builder
	schedule  fees.Schedule
	hasher    *capsule.Hasher
	store     Store
	assets    AssetRegistry
	metrics   *observability.EscrowdMetrics
	logger    *slog.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Submitter == nil:
		return nil, errors.New("coordinator: submitter required")
	case cfg.Builder == nil:
		return nil, errors.New("coordinator: builder required")
	case cfg.Hasher == nil:
		return nil, errors.New("coordinator: claim hasher required")
	case cfg.Store == nil:
		return nil, errors.New("coordinator: store required")
	case cfg.Assets == nil:
		return nil, errors.New("coordinator: asset registry required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		submitter: cfg.Submitter,
		client:    cfg.Submitter.Client(),
		builder:   cfg.Builder,
		schedule:  cfg.Builder.Schedule(),
		hasher:    cfg.Hasher,
		store:     cfg.Store,
		assets:    cfg.Assets,
		metrics:   cfg.Metrics,
		logger:    logger.With(slog.String("component", "coordinator")),
	}, nil
}

// SubmitResult is returned by every Submit operation once the group is
// confirmed.
type SubmitResult struct {
	AppID uint64 `json:"appId"`
	TxID  string `json:"txId"`
	Round uint64 `json:"round"`
}

// GroupResult carries a plan awaiting signatures.
type GroupResult struct {
	AppID uint64             `json:"appId"`
	Plan  *txgroup.GroupPlan `json:"plan"`
	// RecipientSlot is set on opt-in claim plans.
	RecipientSlot *int `json:"recipientSlot,omitempty"`
}

// SubmitRequest returns a plan from a Generate operation together with the
// externally signed legs. Signatures may travel inside the plan legs, in
// Signed, or both.
type SubmitRequest struct {
	AppID  uint64                    `json:"appId"`
	Plan   *txgroup.GroupPlan        `json:"plan"`
	Signed []types.SignedTransaction `json:"signed,omitempty"`
}

// CreatorRequest names an escrow and the creator acting on it.
type CreatorRequest struct {
	AppID   uint64         `json:"appId"`
	Creator crypto.Address `json:"creator"`
}

func (r CreatorRequest) validate() error {
	if r.AppID == 0 {
		return coreerrors.Validation("appId required")
	}
	if r.Creator.IsZero() {
		return coreerrors.Validation("creator address required")
	}
	return nil
}

func (s *Service) observe(op string, err *error) {
	result := "ok"
	if *err != nil {
		result = coreerrors.KindOf(*err).String()
	}
	s.metrics.RecordOperation(op, result)
}

func (s *Service) window(ctx context.Context) (txgroup.Window, error) {
	params, err := s.client.Params(ctx)
	if err != nil {
		return txgroup.Window{}, coreerrors.Transient("", "fetch ledger params", err)
	}
	return txgroup.Window{FirstValid: params.Round, LastValid: params.Round + params.ValidityRounds}, nil
}

func (s *Service) account(ctx context.Context, addr crypto.Address) (*types.Account, error) {
	acct, err := s.client.AccountState(ctx, addr)
	if err != nil {
		return nil, coreerrors.Transient("", "fetch account state", err)
	}
	return acct, nil
}

// contract returns the on-ledger state, or nil when the contract no longer
// exists.
func (s *Service) contract(ctx context.Context, appID uint64) (*escrow.GlobalState, error) {
	state, err := s.client.ContractState(ctx, appID)
	if errors.Is(err, ledger.ErrContractNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Transient("", "fetch contract state", err)
	}
	return state, nil
}

func (s *Service) record(ctx context.Context, appID uint64) (*storage.EscrowRecord, error) {
	if appID == 0 {
		return nil, coreerrors.Validation("appId required")
	}
	rec, err := s.store.ByAppID(ctx, appID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, coreerrors.NotFound("escrow %d not found", appID)
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow %d: %w", appID, err)
	}
	return rec, nil
}

// recordByToken resolves a claim token to its capsule and record through the
// keyed claim hash.
func (s *Service) recordByToken(ctx context.Context, token string) (*capsule.Capsule, *storage.EscrowRecord, error) {
	appID, secret, err := capsule.DecodeClaimToken(token)
	if err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.KindValidation, err, "claim token")
	}
	cp, err := capsule.FromSecret(secret)
	if err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.KindValidation, err, "claim token")
	}
	hash := s.hasher.Sum(secret, appID)
	rec, err := s.store.ByClaimHash(ctx, hash.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, coreerrors.NotFound("no escrow for claim token")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load escrow by claim hash: %w", err)
	}
	if rec.AppID != appID || rec.AuthorizedClaimer != cp.Address().String() {
		return nil, nil, coreerrors.NotFound("no escrow for claim token")
	}
	return cp, rec, nil
}

func requireCreator(rec *storage.EscrowRecord, creator crypto.Address) error {
	if rec.Creator != creator.String() {
		return coreerrors.Validation("%s is not the creator of escrow %d", creator, rec.AppID)
	}
	return nil
}

// windowOf recovers the validity window a plan was built with.
func windowOf(plan *txgroup.GroupPlan) txgroup.Window {
	if plan == nil || len(plan.Legs) == 0 {
		return txgroup.Window{}
	}
	tx := plan.Legs[0].Txn
	return txgroup.Window{FirstValid: tx.FirstValid, LastValid: tx.LastValid}
}

func anchorOf(plan *txgroup.GroupPlan) string {
	if plan == nil || len(plan.Legs) == 0 {
		return ""
	}
	return plan.Legs[0].Txn.ID().String()
}

func requirePlan(plan *txgroup.GroupPlan, kinds ...txgroup.Kind) error {
	if plan == nil || len(plan.Legs) == 0 {
		return coreerrors.Validation("plan required")
	}
	for _, kind := range kinds {
		if plan.Kind == kind {
			return nil
		}
	}
	return coreerrors.Validation("unexpected %s plan", plan.Kind)
}

// matchPlan rejects a submitted plan whose transactions differ from the
// group rebuilt from the record.
func matchPlan(expected, submitted *txgroup.GroupPlan) error {
	if submitted.Kind != expected.Kind || len(submitted.Legs) != len(expected.Legs) {
		return coreerrors.Validation("%s plan does not match the escrow", submitted.Kind)
	}
	want, got := expected.TxIDs(), submitted.TxIDs()
	for i := range want {
		if want[i] != got[i] {
			return coreerrors.Validation("%s plan slot %d does not match the escrow", submitted.Kind, i)
		}
	}
	return nil
}

// collectSignatures copies signatures from the submitted plan and the loose
// signed transactions into work, verifying each one.
func collectSignatures(work, submitted *txgroup.GroupPlan, signed []types.SignedTransaction) error {
	for i, leg := range submitted.Legs {
		if !leg.Signed() {
			continue
		}
		if err := work.Attach(i, types.SignedTransaction{Txn: leg.Txn, Sig: leg.Sig}); err != nil {
			return err
		}
	}
	return work.AttachAll(signed)
}

func (s *Service) submit(ctx context.Context, phase string, plan *txgroup.GroupPlan) (ledger.Confirmation, error) {
	group, err := plan.Assemble()
	if err != nil {
		return ledger.Confirmation{}, err
	}
	return s.submitter.Submit(ctx, phase, group)
}
