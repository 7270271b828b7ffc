package coordinator

import (
	"context"
	"log/slog"
	"time"

	"escrowlink/core/capsule"
	coreerrors "escrowlink/core/errors"
	"escrowlink/core/txgroup"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
	"escrowlink/services/escrowd/storage"
)

// ClaimRequest asks for the claim group of the escrow behind Token, paying
// out to Recipient.
type ClaimRequest struct {
	Token     string         `json:"token"`
	Recipient crypto.Address `json:"recipient"`
}

// SubmitClaimRequest returns a claim plan. Only the recipient leg of an
// opt-in plan needs an external signature; capsule legs are re-signed from
// the token.
type SubmitClaimRequest struct {
	Token  string                    `json:"token"`
	Plan   *txgroup.GroupPlan        `json:"plan"`
	Signed []types.SignedTransaction `json:"signed,omitempty"`
}

func checkClaimable(rec *storage.EscrowRecord) error {
	switch {
	case rec.CleanedUp():
		return coreerrors.StateConflict("escrow %d has been cleaned up", rec.AppID)
	case rec.Resolved():
		return coreerrors.StateConflict("escrow %d is already %s", rec.AppID, rec.Resolution)
	case !rec.Funded():
		return coreerrors.StateConflict("escrow %d is not funded", rec.AppID)
	}
	return nil
}

func (s *Service) claimRequest(rec *storage.EscrowRecord, cp *capsule.Capsule, recipient crypto.Address, window txgroup.Window) (txgroup.ClaimRequest, error) {
	req := txgroup.ClaimRequest{
		AppID:              rec.AppID,
		AssetID:            rec.AssetID,
		Capsule:            cp.Address(),
		Recipient:          recipient,
		CoverRecipientFees: rec.CoverRecipientFees,
		Window:             window,
	}
	if rec.Referrer != "" {
		referrer, err := crypto.DecodeAddress(rec.Referrer)
		if err != nil {
			return req, err
		}
		req.Referrer = referrer
	}
	return req, nil
}

// GenerateClaim re-validates the escrow against the record and the ledger,
// picks the optimized group when the recipient already holds the asset and
// the opt-in group otherwise, and pre-signs every capsule leg.
func (s *Service) GenerateClaim(ctx context.Context, req ClaimRequest) (result *GroupResult, err error) {
	defer s.observe("generate_claim", &err)
	if req.Recipient.IsZero() {
		return nil, coreerrors.Validation("recipient address required")
	}
	cp, rec, err := s.recordByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if err := checkClaimable(rec); err != nil {
		return nil, err
	}
	state, err := s.contract(ctx, rec.AppID)
	if err != nil {
		return nil, err
	}
	switch {
	case state == nil:
		return nil, coreerrors.StateConflict("escrow %d no longer exists on the ledger", rec.AppID)
	case state.Claimed:
		return nil, coreerrors.StateConflict("escrow %d is already resolved on the ledger", rec.AppID)
	case !state.Funded():
		return nil, coreerrors.StateConflict("escrow %d is not funded on the ledger", rec.AppID)
	case state.AuthorizedClaimer != cp.Address():
		return nil, coreerrors.NotFound("no escrow for claim token")
	}

	recipient, err := s.account(ctx, req.Recipient)
	if err != nil {
		return nil, err
	}
	window, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	claimReq, err := s.claimRequest(rec, cp, req.Recipient, window)
	if err != nil {
		return nil, err
	}
	plan, err := s.builder.BuildClaimVariant(claimReq, recipient.HoldsAsset(rec.AssetID))
	if err != nil {
		return nil, err
	}
	if err := plan.Sign(txgroup.RoleCapsule, cp.Key()); err != nil {
		return nil, err
	}
	result = &GroupResult{AppID: rec.AppID, Plan: plan}
	if plan.Kind == txgroup.KindOptInClaim {
		slot := txgroup.RecipientSlot(rec.CoverRecipientFees)
		result.RecipientSlot = &slot
	}
	s.logger.Info("claim generated",
		slog.Uint64("appId", rec.AppID),
		slog.String("variant", string(plan.Kind)),
		slog.String("recipient", req.Recipient.String()))
	return result, nil
}

// recipientOf returns the payout account named by the claim call of plan.
func recipientOf(plan *txgroup.GroupPlan) (crypto.Address, error) {
	for _, leg := range plan.Legs {
		tx := leg.Txn
		if tx.Type == types.TxTypeAppCall && len(tx.AppArgs) > 0 && string(tx.AppArgs[0]) == string(escrow.SelectorClaim) {
			if len(tx.Accounts) == 0 {
				break
			}
			return tx.Accounts[0], nil
		}
	}
	return crypto.Address{}, coreerrors.Validation("%s plan carries no claim call", plan.Kind)
}

// SubmitClaim rebuilds the claim group from the record, merges the capsule
// signatures with the recipient's and submits it. The ledger decides whether
// the escrow can still be claimed.
func (s *Service) SubmitClaim(ctx context.Context, req SubmitClaimRequest) (result *SubmitResult, err error) {
	defer s.observe("submit_claim", &err)
	if err := requirePlan(req.Plan, txgroup.KindClaim, txgroup.KindOptInClaim); err != nil {
		return nil, err
	}
	cp, rec, err := s.recordByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if rec.CleanedUp() {
		return nil, coreerrors.StateConflict("escrow %d has been cleaned up", rec.AppID)
	}
	if !rec.Funded() {
		return nil, coreerrors.StateConflict("escrow %d is not funded", rec.AppID)
	}
	recipient, err := recipientOf(req.Plan)
	if err != nil {
		return nil, err
	}
	claimReq, err := s.claimRequest(rec, cp, recipient, windowOf(req.Plan))
	if err != nil {
		return nil, err
	}
	expected, err := s.builder.BuildClaimVariant(claimReq, req.Plan.Kind == txgroup.KindClaim)
	if err != nil {
		return nil, err
	}
	if err := matchPlan(expected, req.Plan); err != nil {
		return nil, err
	}
	if err := expected.Sign(txgroup.RoleCapsule, cp.Key()); err != nil {
		return nil, err
	}
	if err := collectSignatures(expected, req.Plan, req.Signed); err != nil {
		return nil, err
	}
	conf, err := s.submit(ctx, "claim", expected)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkResolved(ctx, rec.AppID, escrow.ResolutionClaimed, recipient.String(), conf.TxID.String()); err != nil {
		return nil, err
	}
	s.logger.Info("escrow claimed",
		slog.Uint64("appId", rec.AppID),
		slog.String("recipient", recipient.String()),
		slog.String("txId", conf.TxID.String()))
	return &SubmitResult{AppID: rec.AppID, TxID: conf.TxID.String(), Round: conf.Round}, nil
}

// GenerateReclaim returns the creator's reclaim call of a funded, unresolved
// escrow.
func (s *Service) GenerateReclaim(ctx context.Context, req CreatorRequest) (result *GroupResult, err error) {
	defer s.observe("generate_reclaim", &err)
	if err := req.validate(); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	if err := requireCreator(rec, req.Creator); err != nil {
		return nil, err
	}
	if err := checkClaimable(rec); err != nil {
		return nil, err
	}
	state, err := s.contract(ctx, rec.AppID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Claimed {
		return nil, coreerrors.StateConflict("escrow %d is already resolved on the ledger", rec.AppID)
	}
	window, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := s.builder.BuildReclaim(txgroup.CreatorCallRequest{
		Creator: req.Creator, AppID: rec.AppID, AssetID: rec.AssetID, Window: window,
	})
	if err != nil {
		return nil, err
	}
	return &GroupResult{AppID: rec.AppID, Plan: plan}, nil
}

// SubmitReclaim submits the creator-signed reclaim call and records the
// resolution.
func (s *Service) SubmitReclaim(ctx context.Context, req SubmitRequest) (result *SubmitResult, err error) {
	defer s.observe("submit_reclaim", &err)
	if err := requirePlan(req.Plan, txgroup.KindReclaim); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	creator := req.Plan.Legs[0].Txn.Sender
	if err := requireCreator(rec, creator); err != nil {
		return nil, err
	}
	if rec.CleanedUp() {
		return nil, coreerrors.StateConflict("escrow %d has been cleaned up", rec.AppID)
	}
	expected, err := s.builder.BuildReclaim(txgroup.CreatorCallRequest{
		Creator: creator, AppID: rec.AppID, AssetID: rec.AssetID, Window: windowOf(req.Plan),
	})
	if err != nil {
		return nil, err
	}
	if err := matchPlan(expected, req.Plan); err != nil {
		return nil, err
	}
	if err := collectSignatures(expected, req.Plan, req.Signed); err != nil {
		return nil, err
	}
	conf, err := s.submit(ctx, string(txgroup.KindReclaim), expected)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkResolved(ctx, rec.AppID, escrow.ResolutionReclaimed, rec.Creator, conf.TxID.String()); err != nil {
		return nil, err
	}
	s.logger.Info("escrow reclaimed",
		slog.Uint64("appId", rec.AppID),
		slog.String("txId", conf.TxID.String()))
	return &SubmitResult{AppID: rec.AppID, TxID: conf.TxID.String(), Round: conf.Round}, nil
}

// GenerateCleanup returns the delete call of a resolved escrow, or the
// unfunded variant when the funding group never landed.
func (s *Service) GenerateCleanup(ctx context.Context, req CreatorRequest) (result *GroupResult, err error) {
	defer s.observe("generate_cleanup", &err)
	if err := req.validate(); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	if err := requireCreator(rec, req.Creator); err != nil {
		return nil, err
	}
	state, err := s.contract(ctx, rec.AppID)
	if err != nil {
		return nil, err
	}
	if rec.CleanedUp() || state == nil {
		return nil, coreerrors.StateConflict("escrow %d is already deleted", rec.AppID)
	}
	window, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	callReq := txgroup.CreatorCallRequest{Creator: req.Creator, AppID: rec.AppID, AssetID: rec.AssetID, Window: window}
	var plan *txgroup.GroupPlan
	switch {
	case state.Unfunded():
		plan, err = s.builder.BuildCleanupUnfunded(callReq)
	case state.Claimed:
		plan, err = s.builder.BuildCleanup(callReq)
	default:
		return nil, coreerrors.StateConflict("escrow %d must be claimed or reclaimed before cleanup", rec.AppID)
	}
	if err != nil {
		return nil, err
	}
	return &GroupResult{AppID: rec.AppID, Plan: plan}, nil
}

// SubmitCleanup submits the delete call and records the final checkpoint.
func (s *Service) SubmitCleanup(ctx context.Context, req SubmitRequest) (result *SubmitResult, err error) {
	defer s.observe("submit_cleanup", &err)
	if err := requirePlan(req.Plan, txgroup.KindCleanup, txgroup.KindCleanupUnfunded); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	creator := req.Plan.Legs[0].Txn.Sender
	if err := requireCreator(rec, creator); err != nil {
		return nil, err
	}
	if rec.CleanedUp() && rec.CleanupTxID != anchorOf(req.Plan) {
		return nil, coreerrors.StateConflict("escrow %d is already deleted", rec.AppID)
	}
	callReq := txgroup.CreatorCallRequest{Creator: creator, AppID: rec.AppID, AssetID: rec.AssetID, Window: windowOf(req.Plan)}
	var expected *txgroup.GroupPlan
	if req.Plan.Kind == txgroup.KindCleanupUnfunded {
		expected, err = s.builder.BuildCleanupUnfunded(callReq)
	} else {
		expected, err = s.builder.BuildCleanup(callReq)
	}
	if err != nil {
		return nil, err
	}
	if err := matchPlan(expected, req.Plan); err != nil {
		return nil, err
	}
	if err := collectSignatures(expected, req.Plan, req.Signed); err != nil {
		return nil, err
	}
	conf, err := s.submit(ctx, string(req.Plan.Kind), expected)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkCleanedUp(ctx, rec.AppID, conf.TxID.String()); err != nil {
		return nil, err
	}
	s.logger.Info("escrow cleaned up",
		slog.Uint64("appId", rec.AppID),
		slog.String("variant", string(req.Plan.Kind)),
		slog.String("txId", conf.TxID.String()))
	return &SubmitResult{AppID: rec.AppID, TxID: conf.TxID.String(), Round: conf.Round}, nil
}

// EscrowView is the public state of one escrow.
type EscrowView struct {
	AppID              uint64            `json:"appId"`
	Status             string            `json:"status"`
	Resolution         escrow.Resolution `json:"resolution,omitempty"`
	Creator            string            `json:"creator"`
	AuthorizedClaimer  string            `json:"authorizedClaimer"`
	AssetID            uint64            `json:"assetId"`
	Symbol             string            `json:"symbol,omitempty"`
	Amount             string            `json:"amount"`
	AmountUnits        uint64            `json:"amountUnits"`
	CoverRecipientFees bool              `json:"coverRecipientFees"`
	Recipient          string            `json:"recipient,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	FundedAt           *time.Time        `json:"fundedAt,omitempty"`
	ResolvedAt         *time.Time        `json:"resolvedAt,omitempty"`
	CleanedUpAt        *time.Time        `json:"cleanedUpAt,omitempty"`
}

// Lookup returns the escrow behind a claim token. The status combines the
// ledger state with the record's resolution.
func (s *Service) Lookup(ctx context.Context, token string) (view *EscrowView, err error) {
	defer s.observe("lookup", &err)
	_, rec, err := s.recordByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	state, err := s.contract(ctx, rec.AppID)
	if err != nil {
		return nil, err
	}
	var global escrow.GlobalState
	if state != nil {
		global = *state
	}
	asset, _ := s.assets.Asset(rec.AssetID)
	return &EscrowView{
		AppID:              rec.AppID,
		Status:             escrow.StatusOf(global, rec.Resolution, state == nil).String(),
		Resolution:         rec.Resolution,
		Creator:            rec.Creator,
		AuthorizedClaimer:  rec.AuthorizedClaimer,
		AssetID:            rec.AssetID,
		Symbol:             asset.Symbol,
		Amount:             types.FormatAmount(rec.Amount, asset.Decimals),
		AmountUnits:        rec.Amount,
		CoverRecipientFees: rec.CoverRecipientFees,
		Recipient:          rec.Recipient,
		CreatedAt:          rec.CreatedAt,
		FundedAt:           rec.FundedAt,
		ResolvedAt:         rec.ResolvedAt,
		CleanedUpAt:        rec.CleanedUpAt,
	}, nil
}
