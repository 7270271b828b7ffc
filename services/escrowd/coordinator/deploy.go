package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"escrowlink/core/capsule"
	coreerrors "escrowlink/core/errors"
	"escrowlink/core/txgroup"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/fees"
	"escrowlink/services/escrowd/storage"
)

// BalanceRequest asks whether a sender can afford a new escrow.
type BalanceRequest struct {
	Sender             crypto.Address `json:"sender"`
	CoverRecipientFees bool           `json:"coverRecipientFees"`
}

// CheckBalance simulates deployment and funding against the sender's current
// ledger state. An insufficient balance is reported in the Report, not as an
// error.
func (s *Service) CheckBalance(ctx context.Context, req BalanceRequest) (report fees.Report, err error) {
	defer s.observe("check_balance", &err)
	if req.Sender.IsZero() {
		return fees.Report{}, coreerrors.Validation("sender address required")
	}
	acct, err := s.account(ctx, req.Sender)
	if err != nil {
		return fees.Report{}, err
	}
	report = fees.Budget(s.schedule, fees.Snapshot{Balance: acct.Balance, MinBalance: acct.MinBalance}, req.CoverRecipientFees)
	if !report.Sufficient {
		s.metrics.RecordBudgetRejection()
	}
	return report, nil
}

// DeploymentRequest starts a new escrow. Amount is a decimal string in the
// asset's display units.
type DeploymentRequest struct {
	Creator            crypto.Address `json:"creator"`
	AssetID            uint64         `json:"assetId"`
	Amount             string         `json:"amount"`
	CoverRecipientFees bool           `json:"coverRecipientFees"`
	Referrer           crypto.Address `json:"referrer,omitempty"`
}

// DeploymentPlan is the unsigned creation transaction together with the
// freshly minted capsule. CapsuleSecret is returned here once and must be
// handed back to SubmitDeployment.
type DeploymentPlan struct {
	Plan           *txgroup.GroupPlan `json:"plan"`
	CapsuleAddress crypto.Address     `json:"capsuleAddress"`
	CapsuleSecret  string             `json:"capsuleSecret"`
	AssetID        uint64             `json:"assetId"`
	AmountUnits    uint64             `json:"amountUnits"`
	Budget         fees.Report        `json:"budget"`
}

// GenerateDeployment validates the request, checks the creator can afford
// both phases and hold the amount, mints a capsule and returns the creation
// transaction embedding the capsule address.
func (s *Service) GenerateDeployment(ctx context.Context, req DeploymentRequest) (plan *DeploymentPlan, err error) {
	defer s.observe("generate_deployment", &err)
	if req.Creator.IsZero() {
		return nil, coreerrors.Validation("creator address required")
	}
	asset, err := s.asset(req.AssetID)
	if err != nil {
		return nil, err
	}
	units, err := scale(asset, req.Amount)
	if err != nil {
		return nil, err
	}

	acct, err := s.account(ctx, req.Creator)
	if err != nil {
		return nil, err
	}
	report := fees.Budget(s.schedule, fees.Snapshot{Balance: acct.Balance, MinBalance: acct.MinBalance}, req.CoverRecipientFees)
	if err := report.Err(); err != nil {
		s.metrics.RecordBudgetRejection()
		return nil, err
	}
	if held := acct.Assets[req.AssetID]; held < units {
		return nil, coreerrors.InsufficientBalance(units-held, "creator holds %s %s, needs %s",
			types.FormatAmount(held, asset.Decimals), asset.Symbol, types.FormatAmount(units, asset.Decimals))
	}

	window, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	cp, err := capsule.Generate()
	if err != nil {
		return nil, err
	}
	deploy, err := s.builder.BuildDeploy(txgroup.DeployRequest{Creator: req.Creator, Claimer: cp.Address(), Window: window})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deployment generated",
		slog.String("creator", req.Creator.String()),
		slog.String("capsule", cp.Address().String()),
		slog.Uint64("assetId", req.AssetID),
		slog.Uint64("amount", units))
	return &DeploymentPlan{
		Plan:           deploy,
		CapsuleAddress: cp.Address(),
		CapsuleSecret:  cp.SecretHex(),
		AssetID:        req.AssetID,
		AmountUnits:    units,
		Budget:         report,
	}, nil
}

// SubmitDeploymentRequest returns the creator-signed creation transaction
// with the capsule secret and escrow terms from GenerateDeployment.
type SubmitDeploymentRequest struct {
	Plan               *txgroup.GroupPlan        `json:"plan"`
	Signed             []types.SignedTransaction `json:"signed,omitempty"`
	CapsuleSecret      string                    `json:"capsuleSecret"`
	AssetID            uint64                    `json:"assetId"`
	AmountUnits        uint64                    `json:"amountUnits"`
	CoverRecipientFees bool                      `json:"coverRecipientFees"`
	Referrer           crypto.Address            `json:"referrer,omitempty"`
}

// DeploymentResult is returned once the contract exists. ClaimToken is the
// out-of-band payload for the recipient and is never stored.
type DeploymentResult struct {
	AppID      uint64 `json:"appId"`
	TxID       string `json:"txId"`
	Round      uint64 `json:"round"`
	ClaimHash  string `json:"claimHash"`
	ClaimToken string `json:"claimToken"`
}

// SubmitDeployment submits the creation transaction, then writes the
// post-deployment record keyed by the claim hash of (secret, contract id).
// Resubmitting the same signed transaction returns the same contract.
func (s *Service) SubmitDeployment(ctx context.Context, req SubmitDeploymentRequest) (result *DeploymentResult, err error) {
	defer s.observe("submit_deployment", &err)
	if err := requirePlan(req.Plan, txgroup.KindDeploy); err != nil {
		return nil, err
	}
	cp, err := capsule.FromSecretHex(req.CapsuleSecret)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindValidation, err, "capsule secret")
	}
	if _, err := s.asset(req.AssetID); err != nil {
		return nil, err
	}
	if req.AmountUnits == 0 {
		return nil, coreerrors.Validation("amount must be positive")
	}
	creator := req.Plan.Legs[0].Txn.Sender
	expected, err := s.builder.BuildDeploy(txgroup.DeployRequest{Creator: creator, Claimer: cp.Address(), Window: windowOf(req.Plan)})
	if err != nil {
		return nil, err
	}
	if err := matchPlan(expected, req.Plan); err != nil {
		return nil, err
	}
	if err := collectSignatures(expected, req.Plan, req.Signed); err != nil {
		return nil, err
	}
	conf, err := s.submit(ctx, string(txgroup.KindDeploy), expected)
	if err != nil {
		return nil, err
	}
	if conf.CreatedAppID == 0 {
		return nil, coreerrors.Transient(conf.TxID.String(), "confirmation carries no contract id", nil)
	}

	hash := s.hasher.Sum(cp.Secret(), conf.CreatedAppID)
	rec := &storage.EscrowRecord{
		ClaimHash:          hash.String(),
		AppID:              conf.CreatedAppID,
		Creator:            creator.String(),
		AuthorizedClaimer:  cp.Address().String(),
		AssetID:            req.AssetID,
		Amount:             req.AmountUnits,
		CoverRecipientFees: req.CoverRecipientFees,
		DeployTxID:         conf.TxID.String(),
	}
	if !req.Referrer.IsZero() {
		rec.Referrer = req.Referrer.String()
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, err
		}
		existing, lerr := s.store.ByAppID(ctx, conf.CreatedAppID)
		if lerr != nil || existing.ClaimHash != rec.ClaimHash {
			return nil, coreerrors.StateConflict("escrow %d is already recorded with different terms", conf.CreatedAppID)
		}
	}
	s.logger.Info("escrow deployed",
		slog.Uint64("appId", conf.CreatedAppID),
		slog.String("txId", conf.TxID.String()),
		slog.Uint64("round", conf.Round),
		slog.String("claimHash", rec.ClaimHash))
	return &DeploymentResult{
		AppID:      conf.CreatedAppID,
		TxID:       conf.TxID.String(),
		Round:      conf.Round,
		ClaimHash:  rec.ClaimHash,
		ClaimToken: capsule.EncodeClaimToken(conf.CreatedAppID, cp.Secret()),
	}, nil
}

// FundingResult adds the cost summary to the funding plan.
type FundingResult struct {
	GroupResult
	Fees      uint64 `json:"fees"`
	Transfers uint64 `json:"transfers"`
}

// GenerateFunding returns the funding group of a deployed, unfunded escrow.
func (s *Service) GenerateFunding(ctx context.Context, req CreatorRequest) (result *FundingResult, err error) {
	defer s.observe("generate_funding", &err)
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
	if rec.Funded() || rec.Resolved() || rec.CleanedUp() {
		return nil, coreerrors.StateConflict("escrow %d is already funded", rec.AppID)
	}
	state, err := s.contract(ctx, rec.AppID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, coreerrors.StateConflict("escrow %d no longer exists on the ledger", rec.AppID)
	}
	if !state.Unfunded() {
		return nil, coreerrors.StateConflict("escrow %d funding already landed", rec.AppID)
	}

	acct, err := s.account(ctx, req.Creator)
	if err != nil {
		return nil, err
	}
	cost := s.schedule.FundingFees(rec.CoverRecipientFees) + s.schedule.FundingTransfers(rec.CoverRecipientFees)
	if available := acct.Available(); available < cost {
		s.metrics.RecordBudgetRejection()
		return nil, coreerrors.InsufficientBalance(cost-available, "funding needs %d, available %d", cost, available)
	}
	if held := acct.Assets[rec.AssetID]; held < rec.Amount {
		return nil, coreerrors.InsufficientBalance(rec.Amount-held, "creator holds %d units of asset %d, needs %d", held, rec.AssetID, rec.Amount)
	}

	window, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := s.buildFunding(rec, window)
	if err != nil {
		return nil, err
	}
	return &FundingResult{
		GroupResult: GroupResult{AppID: rec.AppID, Plan: plan},
		Fees:        plan.Fees(),
		Transfers:   s.schedule.FundingTransfers(rec.CoverRecipientFees),
	}, nil
}

func (s *Service) buildFunding(rec *storage.EscrowRecord, window txgroup.Window) (*txgroup.GroupPlan, error) {
	creator, err := crypto.DecodeAddress(rec.Creator)
	if err != nil {
		return nil, err
	}
	claimer, err := crypto.DecodeAddress(rec.AuthorizedClaimer)
	if err != nil {
		return nil, err
	}
	return s.builder.BuildFunding(txgroup.FundingRequest{
		Creator:            creator,
		Capsule:            claimer,
		AppID:              rec.AppID,
		AssetID:            rec.AssetID,
		Amount:             rec.Amount,
		CoverRecipientFees: rec.CoverRecipientFees,
		Window:             window,
	})
}

// SubmitFunding submits the creator-signed funding group and records the
// post-funding checkpoint.
func (s *Service) SubmitFunding(ctx context.Context, req SubmitRequest) (result *SubmitResult, err error) {
	defer s.observe("submit_funding", &err)
	if err := requirePlan(req.Plan, txgroup.KindFunding); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	if (rec.Funded() && rec.FundTxID != anchorOf(req.Plan)) || rec.Resolved() || rec.CleanedUp() {
		return nil, coreerrors.StateConflict("escrow %d is already funded", rec.AppID)
	}
	expected, err := s.buildFunding(rec, windowOf(req.Plan))
	if err != nil {
		return nil, err
	}
	if err := matchPlan(expected, req.Plan); err != nil {
		return nil, err
	}
	if err := collectSignatures(expected, req.Plan, req.Signed); err != nil {
		return nil, err
	}
	conf, err := s.submit(ctx, string(txgroup.KindFunding), expected)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkFunded(ctx, rec.AppID, conf.TxID.String()); err != nil {
		return nil, err
	}
	s.logger.Info("escrow funded",
		slog.Uint64("appId", rec.AppID),
		slog.String("txId", conf.TxID.String()),
		slog.Uint64("round", conf.Round))
	return &SubmitResult{AppID: rec.AppID, TxID: conf.TxID.String(), Round: conf.Round}, nil
}
