package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowlink/core/capsule"
	coreerrors "escrowlink/core/errors"
	"escrowlink/core/events"
	"escrowlink/core/ledger"
	"escrowlink/core/txgroup"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/fees"
)

const creatorStartBalance = 10_000_000

type fixture struct {
	t         *testing.T
	ctx       context.Context
	ledger    *Ledger
	recorder  *events.Recorder
	schedule  fees.Schedule
	builder   *txgroup.Builder
	creator   *crypto.PrivateKey
	recipient *crypto.PrivateKey
	platform  crypto.Address
	capsule   *capsule.Capsule
	assetID   uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen := func() *crypto.PrivateKey {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		return key
	}
	recorder := &events.Recorder{}
	schedule := fees.DefaultSchedule()
	l := New(WithEmitter(recorder), WithSchedule(schedule))
	cp, err := capsule.Generate()
	require.NoError(t, err)

	f := &fixture{
		t: t, ctx: context.Background(), ledger: l, recorder: recorder, schedule: schedule,
		creator: gen(), recipient: gen(), platform: gen().Address(), capsule: cp,
	}
	f.builder = txgroup.NewBuilder(schedule, f.platform)
	l.Fund(f.creator.Address(), creatorStartBalance)
	l.Fund(f.recipient.Address(), 1_000_000)
	f.assetID = l.CreateAsset(f.creator.Address(), 1_000_000_000)
	return f
}

func (f *fixture) window() txgroup.Window {
	params, err := f.ledger.Params(f.ctx)
	require.NoError(f.t, err)
	return txgroup.Window{FirstValid: params.Round, LastValid: params.Round + params.ValidityRounds}
}

func (f *fixture) submit(plan *txgroup.GroupPlan) ledger.Outcome {
	f.t.Helper()
	group, err := plan.Assemble()
	require.NoError(f.t, err)
	return f.ledger.Submit(f.ctx, group)
}

func (f *fixture) deploy() uint64 {
	f.t.Helper()
	plan, err := f.builder.BuildDeploy(txgroup.DeployRequest{Creator: f.creator.Address(), Claimer: f.capsule.Address(), Window: f.window()})
	require.NoError(f.t, err)
	require.NoError(f.t, plan.Sign(txgroup.RoleCreator, f.creator))
	outcome := f.submit(plan)
	require.Equal(f.t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)
	conf, found, err := f.ledger.TransactionStatus(f.ctx, outcome.TxID)
	require.NoError(f.t, err)
	require.True(f.t, found)
	require.NotZero(f.t, conf.CreatedAppID)
	return conf.CreatedAppID
}

func (f *fixture) fundingPlan(appID, amount uint64, cover bool) *txgroup.GroupPlan {
	f.t.Helper()
	plan, err := f.builder.BuildFunding(txgroup.FundingRequest{
		Creator: f.creator.Address(), Capsule: f.capsule.Address(),
		AppID: appID, AssetID: f.assetID, Amount: amount,
		CoverRecipientFees: cover, Window: f.window(),
	})
	require.NoError(f.t, err)
	require.NoError(f.t, plan.Sign(txgroup.RoleCreator, f.creator))
	return plan
}

func (f *fixture) fund(appID, amount uint64, cover bool) {
	f.t.Helper()
	outcome := f.submit(f.fundingPlan(appID, amount, cover))
	require.Equal(f.t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)
}

func (f *fixture) claimPlan(appID uint64, holds, cover bool) *txgroup.GroupPlan {
	f.t.Helper()
	plan, err := f.builder.BuildClaimVariant(txgroup.ClaimRequest{
		AppID: appID, AssetID: f.assetID, Capsule: f.capsule.Address(),
		Recipient: f.recipient.Address(), CoverRecipientFees: cover, Window: f.window(),
	}, holds)
	require.NoError(f.t, err)
	require.NoError(f.t, plan.Sign(txgroup.RoleCapsule, f.capsule.Key()))
	return plan
}

func (f *fixture) creatorCall(build func(txgroup.CreatorCallRequest) (*txgroup.GroupPlan, error), appID uint64) *txgroup.GroupPlan {
	f.t.Helper()
	plan, err := build(txgroup.CreatorCallRequest{Creator: f.creator.Address(), AppID: appID, AssetID: f.assetID, Window: f.window()})
	require.NoError(f.t, err)
	require.NoError(f.t, plan.Sign(txgroup.RoleCreator, f.creator))
	return plan
}

func (f *fixture) account(addr crypto.Address) *types.Account {
	f.t.Helper()
	acc, err := f.ledger.AccountState(f.ctx, addr)
	require.NoError(f.t, err)
	return acc
}

func TestDeployAndFundStoresScaledAmount(t *testing.T) {
	f := newFixture(t)
	amount, err := types.ParseAmount("25.00", 6)
	require.NoError(t, err)

	appID := f.deploy()
	f.fund(appID, amount, false)

	st, err := f.ledger.ContractState(f.ctx, appID)
	require.NoError(t, err)
	require.Equal(t, uint64(25_000_000), st.Amount)
	require.Equal(t, f.assetID, st.AssetID)
	require.Equal(t, f.capsule.Address(), st.AuthorizedClaimer)
	require.False(t, st.Claimed)

	app := f.account(crypto.ApplicationAddress(appID))
	require.Equal(t, uint64(25_000_000), app.Assets[f.assetID])
	require.Equal(t, f.schedule.ContractFunding(), app.Balance)
	require.Equal(t, f.schedule.CapsuleFunding(), f.account(f.capsule.Address()).Balance)

	require.Len(t, f.recorder.OfType(events.TypeEscrowCreated), 1)
	require.Len(t, f.recorder.OfType(events.TypeEscrowAmountSet), 1)
}

func TestOptimizedClaimSweepsCapsule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.GrantAsset(f.recipient.Address(), f.assetID, 0))
	appID := f.deploy()
	f.fund(appID, 25_000_000, false)

	plan := f.claimPlan(appID, true, false)
	require.Len(t, plan.Legs, 2)
	outcome := f.submit(plan)
	require.Equal(t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)

	capsuleAcc := f.account(f.capsule.Address())
	require.Zero(t, capsuleAcc.Balance)
	require.Equal(t, uint64(25_000_000), f.account(f.recipient.Address()).Assets[f.assetID])
	swept := f.schedule.CapsuleFunding() - f.schedule.ClaimCallFee - f.schedule.PaymentFee
	require.Equal(t, swept, f.account(f.platform).Balance)

	st, err := f.ledger.ContractState(f.ctx, appID)
	require.NoError(t, err)
	require.True(t, st.Claimed)
	require.Len(t, f.recorder.OfType(events.TypeEscrowClaimed), 1)
}

func TestOptInClaimWithCoverage(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	f.fund(appID, 5_000, true)

	before := f.account(f.recipient.Address()).Balance
	plan := f.claimPlan(appID, false, true)
	slot, ok := plan.SlotOf(txgroup.RoleRecipient)
	require.True(t, ok)
	require.Equal(t, txgroup.OptInClaimRecipientSlotCovered, slot)

	_, err := plan.Assemble()
	require.Equal(t, coreerrors.KindValidation, coreerrors.KindOf(err))

	require.NoError(t, plan.Sign(txgroup.RoleRecipient, f.recipient))
	outcome := f.submit(plan)
	require.Equal(t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)

	recipient := f.account(f.recipient.Address())
	require.Equal(t, uint64(5_000), recipient.Assets[f.assetID])
	require.Equal(t, before+f.schedule.RecipientGrant()-f.schedule.AssetTransferFee, recipient.Balance)
	require.Zero(t, f.account(f.capsule.Address()).Balance)
}

func TestReclaimBlocksLaterClaim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.GrantAsset(f.recipient.Address(), f.assetID, 0))
	appID := f.deploy()
	f.fund(appID, 7_000, false)
	creatorAssets := f.account(f.creator.Address()).Assets[f.assetID]

	outcome := f.submit(f.creatorCall(f.builder.BuildReclaim, appID))
	require.Equal(t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)
	require.Equal(t, creatorAssets+7_000, f.account(f.creator.Address()).Assets[f.assetID])
	require.False(t, f.account(crypto.ApplicationAddress(appID)).HoldsAsset(f.assetID))

	submitter := ledger.NewSubmitter(f.ledger, ledger.WithRetry(1, time.Millisecond, time.Millisecond))
	group, err := f.claimPlan(appID, true, false).Assemble()
	require.NoError(t, err)
	_, err = submitter.Submit(f.ctx, "claim", group)
	require.Equal(t, coreerrors.KindLedgerRejection, coreerrors.KindOf(err))

	st, err := f.ledger.ContractState(f.ctx, appID)
	require.NoError(t, err)
	require.True(t, st.Claimed)
	require.Zero(t, f.account(f.recipient.Address()).Assets[f.assetID])
	require.Len(t, f.recorder.OfType(events.TypeEscrowReclaimed), 1)
	require.Empty(t, f.recorder.OfType(events.TypeEscrowClaimed))
}

func TestClaimBlocksReclaimAndSecondClaim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.GrantAsset(f.recipient.Address(), f.assetID, 0))
	appID := f.deploy()
	f.fund(appID, 1_000, false)

	require.Equal(t, ledger.OutcomeConfirmed, f.submit(f.claimPlan(appID, true, false)).Kind)
	require.Equal(t, ledger.OutcomeRejected, f.submit(f.creatorCall(f.builder.BuildReclaim, appID)).Kind)

	// A fresh claim group (new window) still cannot pay out twice.
	f.ledger.AdvanceRounds(1)
	f.ledger.Fund(f.capsule.Address(), f.schedule.CapsuleFunding())
	require.Equal(t, ledger.OutcomeRejected, f.submit(f.claimPlan(appID, true, false)).Kind)
	require.Equal(t, uint64(1_000), f.account(f.recipient.Address()).Assets[f.assetID])
}

func TestCleanupReturnsReserve(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.GrantAsset(f.recipient.Address(), f.assetID, 0))
	appID := f.deploy()
	f.fund(appID, 1_000, false)

	require.Equal(t, ledger.OutcomeRejected, f.submit(f.creatorCall(f.builder.BuildCleanup, appID)).Kind,
		"funded instance must be resolved before deletion")

	require.Equal(t, ledger.OutcomeConfirmed, f.submit(f.claimPlan(appID, true, false)).Kind)
	beforeCleanup := f.account(f.creator.Address())
	outcome := f.submit(f.creatorCall(f.builder.BuildCleanup, appID))
	require.Equal(t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)

	_, err := f.ledger.ContractState(f.ctx, appID)
	require.ErrorIs(t, err, ledger.ErrContractNotFound)
	after := f.account(f.creator.Address())
	require.Equal(t, beforeCleanup.MinBalance-f.schedule.AppCreateMinBalance, after.MinBalance)
	require.Equal(t, beforeCleanup.Balance-f.schedule.DeleteCallFee+f.schedule.ContractFunding(), after.Balance)
	require.Zero(t, f.account(crypto.ApplicationAddress(appID)).Balance)
	require.Len(t, f.recorder.OfType(events.TypeEscrowDeleted), 1)
}

func TestCleanupUnfunded(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	outcome := f.submit(f.creatorCall(f.builder.BuildCleanupUnfunded, appID))
	require.Equal(t, ledger.OutcomeConfirmed, outcome.Kind, outcome.Reason)
	_, err := f.ledger.ContractState(f.ctx, appID)
	require.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestForeignGroupTagRejectsWholeGroup(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	before := f.account(f.creator.Address())
	emitted := len(f.recorder.Events())

	group, err := f.fundingPlan(appID, 1_000, false).Assemble()
	require.NoError(t, err)
	tampered := group[4].Txn
	tampered.Group = types.GroupID{9}
	group[4], err = tampered.Sign(f.creator)
	require.NoError(t, err)

	outcome := f.ledger.Submit(f.ctx, group)
	require.Equal(t, ledger.OutcomeRejected, outcome.Kind)

	after := f.account(f.creator.Address())
	require.Equal(t, before.Balance, after.Balance)
	require.Equal(t, before.Assets, after.Assets)
	st, err := f.ledger.ContractState(f.ctx, appID)
	require.NoError(t, err)
	require.True(t, st.Unfunded())
	require.Zero(t, f.account(f.capsule.Address()).Balance)
	require.Len(t, f.recorder.Events(), emitted, "rejected groups emit nothing")
}

func TestFailingLastLegRollsBackEarlierLegs(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	before := f.account(f.creator.Address())

	outcome := f.submit(f.fundingPlan(appID, 2_000_000_000, false))
	require.Equal(t, ledger.OutcomeRejected, outcome.Kind)

	require.Equal(t, before.Balance, f.account(f.creator.Address()).Balance)
	st, err := f.ledger.ContractState(f.ctx, appID)
	require.NoError(t, err)
	require.Zero(t, st.AssetID, "opt-in leg must not survive")
	require.False(t, st.AmountSet)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	group, err := f.fundingPlan(appID, 1_000, false).Assemble()
	require.NoError(t, err)

	first := f.ledger.Submit(f.ctx, group)
	require.Equal(t, ledger.OutcomeConfirmed, first.Kind)
	balance := f.account(f.creator.Address()).Balance

	second := f.ledger.Submit(f.ctx, group)
	require.Equal(t, ledger.OutcomeAlreadyLanded, second.Kind)
	require.Equal(t, first.TxID, second.TxID)
	require.Equal(t, balance, f.account(f.creator.Address()).Balance)
}

func TestSubmitterRecoversLostAcknowledgement(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	group, err := f.fundingPlan(appID, 1_000, false).Assemble()
	require.NoError(t, err)
	balance := f.account(f.creator.Address()).Balance

	f.ledger.FailAfterCommit(1)
	submitter := ledger.NewSubmitter(f.ledger, ledger.WithRetry(3, time.Millisecond, time.Millisecond))
	conf, err := submitter.Submit(f.ctx, "fund", group)
	require.NoError(t, err)
	require.Equal(t, group[0].ID(), conf.TxID)

	spent := f.schedule.FundingFees(false) + f.schedule.FundingTransfers(false)
	require.Equal(t, balance-spent, f.account(f.creator.Address()).Balance)
}

func TestSubmitterRequeriesAfterTimeout(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	group, err := f.fundingPlan(appID, 1_000, false).Assemble()
	require.NoError(t, err)

	f.ledger.DropConfirmations(1)
	conf, err := ledger.NewSubmitter(f.ledger).Submit(f.ctx, "fund", group)
	require.NoError(t, err)
	require.Equal(t, group[0].ID(), conf.TxID)
}

func TestExpiredWindowRejected(t *testing.T) {
	f := newFixture(t)
	plan, err := f.builder.BuildDeploy(txgroup.DeployRequest{Creator: f.creator.Address(), Claimer: f.capsule.Address(), Window: f.window()})
	require.NoError(t, err)
	require.NoError(t, plan.Sign(txgroup.RoleCreator, f.creator))

	f.ledger.AdvanceRounds(defaultValidityRounds + 1)
	require.Equal(t, ledger.OutcomeRejected, f.submit(plan).Kind)
}

func TestPaymentsIntoContractOnlyFromCreator(t *testing.T) {
	f := newFixture(t)
	appID := f.deploy()
	f.fund(appID, 1_000, false)
	contract := crypto.ApplicationAddress(appID)
	params, err := f.ledger.Params(f.ctx)
	require.NoError(t, err)
	before := f.account(contract)

	rejectDeposit := func(name string, tx types.Transaction) {
		t.Helper()
		tx.Sender = f.recipient.Address()
		tx.Fee = f.schedule.PaymentFee
		tx.FirstValid, tx.LastValid = params.Round, params.Round+10
		stx, err := tx.Sign(f.recipient)
		require.NoError(t, err, name)
		outcome := f.ledger.Submit(f.ctx, []types.SignedTransaction{stx})
		require.Equal(t, ledger.OutcomeRejected, outcome.Kind, name)
		require.Contains(t, outcome.Reason, "deposit from unauthorized sender", name)
	}

	rejectDeposit("direct payment", types.Transaction{
		Type: types.TxTypePayment, Receiver: contract, Amount: 200_000,
	})
	// A zero-amount self payment that closes the account into the contract.
	rejectDeposit("close remainder", types.Transaction{
		Type: types.TxTypePayment, Receiver: f.recipient.Address(), CloseRemainderTo: contract,
	})
	require.NoError(t, f.ledger.GrantAsset(f.recipient.Address(), f.assetID, 500))
	rejectDeposit("asset close to", types.Transaction{
		Type: types.TxTypeAssetTransfer, AssetID: f.assetID,
		AssetReceiver: f.recipient.Address(), AssetCloseTo: contract,
	})

	after := f.account(contract)
	require.Equal(t, before.Balance, after.Balance)
	require.Equal(t, before.Assets[f.assetID], after.Assets[f.assetID])
	require.Equal(t, uint64(500), f.account(f.recipient.Address()).Assets[f.assetID])
}
