package txgroup

import (
	"encoding/binary"

	coreerrors "escrowlink/core/errors"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
	"escrowlink/native/fees"
)

// Recipient slots of the opt-in-and-claim group. The recipient's asset
// registration follows the optional coverage payment.
const (
	OptInClaimRecipientSlot        = 0
	OptInClaimRecipientSlotCovered = 1
)

// RecipientSlot returns the fixed index of the recipient-signed leg.
func RecipientSlot(coverRecipientFees bool) int {
	if coverRecipientFees {
		return OptInClaimRecipientSlotCovered
	}
	return OptInClaimRecipientSlot
}

// Window is the validity range stamped on every leg of a group.
type Window struct {
	FirstValid uint64 `json:"firstValid"`
	LastValid  uint64 `json:"lastValid"`
}

// Builder constructs protocol groups from an injected fee schedule.
type Builder struct {
	schedule fees.Schedule
	platform crypto.Address
}

// NewBuilder returns a builder charging schedule and sweeping capsule
// remainders to platform unless a referrer is named.
func NewBuilder(schedule fees.Schedule, platform crypto.Address) *Builder {
	return &Builder{schedule: schedule, platform: platform}
}

// Schedule returns the schedule the builder charges.
func (b *Builder) Schedule() fees.Schedule { return b.schedule }

// Platform returns the default capsule sweep address.
func (b *Builder) Platform() crypto.Address { return b.platform }

func (b *Builder) stamp(tx types.Transaction, w Window) types.Transaction {
	tx.FirstValid = w.FirstValid
	tx.LastValid = w.LastValid
	return tx
}

// DeployRequest describes the contract deployment.
type DeployRequest struct {
	Creator crypto.Address
	Claimer crypto.Address
	Window  Window
}

// BuildDeploy returns the single creator-signed creation transaction with the
// capsule address compiled into the program.
func (b *Builder) BuildDeploy(req DeployRequest) (*GroupPlan, error) {
	if req.Creator.IsZero() {
		return nil, coreerrors.Validation("creator address required")
	}
	program, err := escrow.CompileProgram(req.Claimer)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindValidation, err, "compile escrow program")
	}
	tx := b.stamp(types.Transaction{
		Type:    types.TxTypeAppCall,
		Sender:  req.Creator,
		Fee:     b.schedule.AppCreateFee,
		Program: program.Source,
	}, req.Window)
	return newPlan(KindDeploy, []Leg{{Name: "create", Role: RoleCreator, Txn: tx}}), nil
}

// FundingRequest describes the funding group of a deployed instance.
type FundingRequest struct {
	Creator            crypto.Address
	Capsule            crypto.Address
	AppID              uint64
	AssetID            uint64
	Amount             uint64
	CoverRecipientFees bool
	Window             Window
}

// BuildFunding returns the creator-signed funding group: contract reserve,
// capsule funding, optional recipient coverage, asset opt-in call, amount
// call and the asset deposit.
func (b *Builder) BuildFunding(req FundingRequest) (*GroupPlan, error) {
	switch {
	case req.Creator.IsZero():
		return nil, coreerrors.Validation("creator address required")
	case req.Capsule.IsZero():
		return nil, coreerrors.Validation("capsule address required")
	case req.AppID == 0:
		return nil, coreerrors.Validation("contract id required")
	case req.AssetID == 0:
		return nil, coreerrors.Validation("asset id required")
	case req.Amount == 0:
		return nil, coreerrors.Validation("amount must be positive")
	}
	app := crypto.ApplicationAddress(req.AppID)
	amount := make([]byte, escrow.AmountWidth)
	binary.BigEndian.PutUint64(amount, req.Amount)

	legs := []Leg{
		{Name: "fund_contract", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypePayment, Sender: req.Creator, Fee: b.schedule.PaymentFee,
			Receiver: app, Amount: b.schedule.ContractFunding(),
		}},
		{Name: "fund_capsule", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypePayment, Sender: req.Creator, Fee: b.schedule.PaymentFee,
			Receiver: req.Capsule, Amount: b.schedule.CapsuleFunding(),
		}},
	}
	if req.CoverRecipientFees {
		legs = append(legs, Leg{Name: "fund_recipient_coverage", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypePayment, Sender: req.Creator, Fee: b.schedule.PaymentFee,
			Receiver: req.Capsule, Amount: b.schedule.RecipientCoverage(),
		}})
	}
	legs = append(legs,
		Leg{Name: "opt_in_asset", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypeAppCall, Sender: req.Creator, Fee: b.schedule.OptInCallFee,
			AppID: req.AppID, AppArgs: [][]byte{[]byte(escrow.SelectorOptInAsset)},
			ForeignAssets: []uint64{req.AssetID},
		}},
		Leg{Name: "set_amount", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypeAppCall, Sender: req.Creator, Fee: b.schedule.SetAmountCallFee,
			AppID: req.AppID, AppArgs: [][]byte{[]byte(escrow.SelectorSetAmount), amount},
		}},
		Leg{Name: "deposit_asset", Role: RoleCreator, Txn: types.Transaction{
			Type: types.TxTypeAssetTransfer, Sender: req.Creator, Fee: b.schedule.AssetTransferFee,
			AssetID: req.AssetID, AssetAmount: req.Amount, AssetReceiver: app,
		}},
	)
	for i := range legs {
		legs[i].Txn = b.stamp(legs[i].Txn, req.Window)
	}
	return newPlan(KindFunding, legs), nil
}

// ClaimRequest describes a claim against a funded instance.
type ClaimRequest struct {
	AppID     uint64
	AssetID   uint64
	Capsule   crypto.Address
	Recipient crypto.Address
	// Referrer receives the capsule remainder instead of the platform when set.
	Referrer           crypto.Address
	CoverRecipientFees bool
	Window             Window
}

func (req ClaimRequest) validate() error {
	switch {
	case req.AppID == 0:
		return coreerrors.Validation("contract id required")
	case req.AssetID == 0:
		return coreerrors.Validation("asset id required")
	case req.Capsule.IsZero():
		return coreerrors.Validation("capsule address required")
	case req.Recipient.IsZero():
		return coreerrors.Validation("recipient address required")
	case req.Recipient == req.Capsule:
		return coreerrors.Validation("recipient must differ from the capsule")
	}
	return nil
}

func (b *Builder) sweepTarget(referrer crypto.Address) crypto.Address {
	if !referrer.IsZero() {
		return referrer
	}
	return b.platform
}

func (b *Builder) claimLegs(req ClaimRequest) []Leg {
	sweep := b.sweepTarget(req.Referrer)
	return []Leg{
		{Name: "claim", Role: RoleCapsule, Txn: types.Transaction{
			Type: types.TxTypeAppCall, Sender: req.Capsule, Fee: b.schedule.ClaimCallFee,
			AppID: req.AppID, AppArgs: [][]byte{[]byte(escrow.SelectorClaim)},
			Accounts: []crypto.Address{req.Recipient}, ForeignAssets: []uint64{req.AssetID},
		}},
		{Name: "close_capsule", Role: RoleCapsule, Txn: types.Transaction{
			Type: types.TxTypePayment, Sender: req.Capsule, Fee: b.schedule.PaymentFee,
			Receiver: sweep, CloseRemainderTo: sweep,
		}},
	}
}

// BuildClaim returns the two-leg capsule-signed group used when the recipient
// already holds the asset.
func (b *Builder) BuildClaim(req ClaimRequest) (*GroupPlan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if b.sweepTarget(req.Referrer).IsZero() {
		return nil, coreerrors.Validation("platform sweep address not configured")
	}
	legs := b.claimLegs(req)
	for i := range legs {
		legs[i].Txn = b.stamp(legs[i].Txn, req.Window)
	}
	return newPlan(KindClaim, legs), nil
}

// BuildOptInClaim returns the mixed-signer group used when the recipient must
// first register to hold the asset. The recipient leg sits at
// RecipientSlot(req.CoverRecipientFees); every other leg is capsule-signed.
func (b *Builder) BuildOptInClaim(req ClaimRequest) (*GroupPlan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if b.sweepTarget(req.Referrer).IsZero() {
		return nil, coreerrors.Validation("platform sweep address not configured")
	}
	var legs []Leg
	if req.CoverRecipientFees {
		legs = append(legs, Leg{Name: "cover_recipient_fees", Role: RoleCapsule, Txn: types.Transaction{
			Type: types.TxTypePayment, Sender: req.Capsule, Fee: b.schedule.PaymentFee,
			Receiver: req.Recipient, Amount: b.schedule.RecipientGrant(),
		}})
	}
	legs = append(legs, Leg{Name: "recipient_opt_in", Role: RoleRecipient, Txn: types.Transaction{
		Type: types.TxTypeAssetTransfer, Sender: req.Recipient, Fee: b.schedule.AssetTransferFee,
		AssetID: req.AssetID, AssetReceiver: req.Recipient,
	}})
	legs = append(legs, b.claimLegs(req)...)
	for i := range legs {
		legs[i].Txn = b.stamp(legs[i].Txn, req.Window)
	}
	return newPlan(KindOptInClaim, legs), nil
}

// BuildClaimVariant picks the optimized group when the recipient already
// holds the asset and the opt-in group otherwise.
func (b *Builder) BuildClaimVariant(req ClaimRequest, recipientHoldsAsset bool) (*GroupPlan, error) {
	if recipientHoldsAsset {
		return b.BuildClaim(req)
	}
	return b.BuildOptInClaim(req)
}

// CreatorCallRequest describes a creator-signed call on an instance.
type CreatorCallRequest struct {
	Creator crypto.Address
	AppID   uint64
	AssetID uint64
	Window  Window
}

func (req CreatorCallRequest) validate(needAsset bool) error {
	switch {
	case req.Creator.IsZero():
		return coreerrors.Validation("creator address required")
	case req.AppID == 0:
		return coreerrors.Validation("contract id required")
	case needAsset && req.AssetID == 0:
		return coreerrors.Validation("asset id required")
	}
	return nil
}

// BuildReclaim returns the single creator-signed reclaim call.
func (b *Builder) BuildReclaim(req CreatorCallRequest) (*GroupPlan, error) {
	if err := req.validate(true); err != nil {
		return nil, err
	}
	tx := b.stamp(types.Transaction{
		Type: types.TxTypeAppCall, Sender: req.Creator, Fee: b.schedule.ReclaimCallFee,
		AppID: req.AppID, AppArgs: [][]byte{[]byte(escrow.SelectorReclaim)},
		ForeignAssets: []uint64{req.AssetID},
	}, req.Window)
	return newPlan(KindReclaim, []Leg{{Name: "reclaim", Role: RoleCreator, Txn: tx}}), nil
}

// BuildCleanup returns the delete call of a resolved instance, restricted to
// the asset it was funded with.
func (b *Builder) BuildCleanup(req CreatorCallRequest) (*GroupPlan, error) {
	if err := req.validate(true); err != nil {
		return nil, err
	}
	tx := b.stamp(types.Transaction{
		Type: types.TxTypeAppCall, Sender: req.Creator, Fee: b.schedule.DeleteCallFee,
		AppID: req.AppID, OnCompletion: types.DeleteApplication,
		ForeignAssets: []uint64{req.AssetID},
	}, req.Window)
	return newPlan(KindCleanup, []Leg{{Name: "delete", Role: RoleCreator, Txn: tx}}), nil
}

// BuildCleanupUnfunded deletes an instance whose funding never landed. No
// asset is referenced because none was ever registered.
func (b *Builder) BuildCleanupUnfunded(req CreatorCallRequest) (*GroupPlan, error) {
	if err := req.validate(false); err != nil {
		return nil, err
	}
	tx := b.stamp(types.Transaction{
		Type: types.TxTypeAppCall, Sender: req.Creator, Fee: b.schedule.DeleteCallFee,
		AppID: req.AppID, OnCompletion: types.DeleteApplication,
	}, req.Window)
	return newPlan(KindCleanupUnfunded, []Leg{{Name: "delete", Role: RoleCreator, Txn: tx}}), nil
}
