package fees

import (
	"github.com/holiman/uint256"

	coreerrors "escrowlink/core/errors"
)

// Phase names a step of the two-phase deployment protocol.
type Phase string

const (
	PhaseDeploy Phase = "deploy"
	PhaseFund   Phase = "fund"
)

// Snapshot is the sender's ledger state the budget is simulated against.
type Snapshot struct {
	Balance    uint64
	MinBalance uint64
}

// PhaseReport describes one phase of the simulated balance trajectory.
type PhaseReport struct {
	Phase           Phase  `json:"phase"`
	Fees            uint64 `json:"fees"`
	Transfers       uint64 `json:"transfers"`
	ReserveIncrease uint64 `json:"reserveIncrease"`
	BalanceAfter    uint64 `json:"balanceAfter"`
	MinBalanceAfter uint64 `json:"minBalanceAfter"`
	Affordable      bool   `json:"affordable"`
	Shortfall       uint64 `json:"shortfall,omitempty"`
}

// Report is the structured outcome of a budget check.
type Report struct {
	Phases         []PhaseReport `json:"phases"`
	TotalFees      uint64        `json:"totalFees"`
	TotalTransfers uint64        `json:"totalTransfers"`
	// RawRequired is the balance needed with no safety buffer.
	RawRequired uint64 `json:"rawRequired"`
	// Required adds the safety buffer over the protocol costs.
	Required    uint64 `json:"required"`
	Buffer      uint64 `json:"buffer"`
	Recoverable uint64 `json:"recoverable"`
	RealCost    uint64 `json:"realCost"`
	Sufficient  bool   `json:"sufficient"`
	Shortfall   uint64 `json:"shortfall,omitempty"`
}

// Budget simulates deployment and funding for a sender holding snapshot. It
// performs no I/O and returns identical reports for identical inputs.
func Budget(schedule Schedule, snapshot Snapshot, coverRecipientFees bool) Report {
	deploy := simulate(PhaseDeploy, snapshot, 0, schedule.DeployFees(), 0, schedule.AppCreateMinBalance)
	afterDeploy := Snapshot{Balance: snapshot.Balance, MinBalance: deploy.MinBalanceAfter}
	fund := simulate(PhaseFund, afterDeploy, deploy.Fees, schedule.FundingFees(coverRecipientFees), schedule.FundingTransfers(coverRecipientFees), 0)

	report := Report{
		Phases:         []PhaseReport{deploy, fund},
		TotalFees:      deploy.Fees + fund.Fees,
		TotalTransfers: deploy.Transfers + fund.Transfers,
		Recoverable:    schedule.AppCreateMinBalance + schedule.ContractFunding(),
	}
	report.RealCost = report.TotalFees + schedule.CapsuleFunding()
	if coverRecipientFees {
		report.RealCost += schedule.RecipientCoverage()
	}

	costs := report.TotalFees + report.TotalTransfers + schedule.AppCreateMinBalance
	report.Buffer = applyBps(costs, schedule.SafetyBufferBps)
	report.RawRequired = snapshot.MinBalance + costs
	report.Required = report.RawRequired + report.Buffer
	report.Sufficient = snapshot.Balance >= report.Required
	if !report.Sufficient {
		report.Shortfall = report.Required - snapshot.Balance
	}
	return report
}

// simulate checks one phase against the original balance after priorDebit has
// already been spent, so shortfalls accumulate across phases.
func simulate(phase Phase, before Snapshot, priorDebit, fees, transfers, reserveIncrease uint64) PhaseReport {
	report := PhaseReport{
		Phase:           phase,
		Fees:            fees,
		Transfers:       transfers,
		ReserveIncrease: reserveIncrease,
		MinBalanceAfter: before.MinBalance + reserveIncrease,
	}
	spent := priorDebit + fees + transfers
	need := spent + report.MinBalanceAfter
	if before.Balance > spent {
		report.BalanceAfter = before.Balance - spent
	}
	if before.Balance >= need {
		report.Affordable = true
		return report
	}
	report.Shortfall = need - before.Balance
	return report
}

// applyBps returns ceil(value * bps / 10000).
func applyBps(value uint64, bps uint32) uint64 {
	if value == 0 || bps == 0 {
		return 0
	}
	product := new(uint256.Int).Mul(uint256.NewInt(value), uint256.NewInt(uint64(bps)))
	product.AddUint64(product, MaxBps-1)
	product.Div(product, uint256.NewInt(MaxBps))
	return product.Uint64()
}

// Err reports an insufficient balance with the exact shortfall, or nil.
func (r Report) Err() error {
	if r.Sufficient {
		return nil
	}
	return coreerrors.InsufficientBalance(r.Shortfall, "balance short by %d of required %d", r.Shortfall, r.Required)
}
