package fees

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// MaxBps is the basis-point denominator.
const MaxBps = 10_000

var ErrInvalidSchedule = errors.New("fees: invalid schedule")

// Schedule is the single source of flat fees and reserve requirements. It is
// passed by value into the budget calculator and the group builder.
type Schedule struct {
	// Flat fees per transaction. Inner transactions issued by the contract are
	// pooled into the fee of the call that triggers them.
	AppCreateFee     uint64 `toml:"app_create_fee"`
	PaymentFee       uint64 `toml:"payment_fee"`
	AssetTransferFee uint64 `toml:"asset_transfer_fee"`
	OptInCallFee     uint64 `toml:"opt_in_call_fee"`
	SetAmountCallFee uint64 `toml:"set_amount_call_fee"`
	ClaimCallFee     uint64 `toml:"claim_call_fee"`
	ReclaimCallFee   uint64 `toml:"reclaim_call_fee"`
	DeleteCallFee    uint64 `toml:"delete_call_fee"`

	// Ledger reserves.
	AccountMinBalance   uint64 `toml:"account_min_balance"`
	AssetMinBalance     uint64 `toml:"asset_min_balance"`
	AppCreateMinBalance uint64 `toml:"app_create_min_balance"`

	SafetyBufferBps uint32 `toml:"safety_buffer_bps"`
}

// DefaultSchedule returns the built-in schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		AppCreateFee:        1_000,
		PaymentFee:          1_000,
		AssetTransferFee:    1_000,
		OptInCallFee:        2_000,
		SetAmountCallFee:    1_000,
		ClaimCallFee:        3_000,
		ReclaimCallFee:      3_000,
		DeleteCallFee:       3_000,
		AccountMinBalance:   100_000,
		AssetMinBalance:     100_000,
		AppCreateMinBalance: 335_500,
		SafetyBufferBps:     500,
	}
}

// ContractFunding is the payment that lets the contract account exist and
// hold one asset.
func (s Schedule) ContractFunding() uint64 {
	return s.AccountMinBalance + s.AssetMinBalance
}

// CapsuleFunding is the platform fee: enough for the capsule account to exist
// and to pay for exactly one claim group.
func (s Schedule) CapsuleFunding() uint64 {
	return s.AccountMinBalance + s.ClaimCallFee + s.PaymentFee
}

// RecipientCoverage is the extra capsule funding that pays for the recipient's
// asset registration and the payment that forwards it.
func (s Schedule) RecipientCoverage() uint64 {
	return s.PaymentFee + s.AssetMinBalance + s.AssetTransferFee
}

// RecipientGrant is the part of RecipientCoverage forwarded to the recipient.
func (s Schedule) RecipientGrant() uint64 {
	return s.AssetMinBalance + s.AssetTransferFee
}

// DeployFees returns the flat fees of the deployment transaction.
func (s Schedule) DeployFees() uint64 { return s.AppCreateFee }

// FundingFees returns the flat fees of the funding group.
func (s Schedule) FundingFees(coverRecipientFees bool) uint64 {
	total := s.PaymentFee + s.PaymentFee + s.OptInCallFee + s.SetAmountCallFee + s.AssetTransferFee
	if coverRecipientFees {
		total += s.PaymentFee
	}
	return total
}

// FundingTransfers returns the literal value moved by the funding group.
func (s Schedule) FundingTransfers(coverRecipientFees bool) uint64 {
	total := s.ContractFunding() + s.CapsuleFunding()
	if coverRecipientFees {
		total += s.RecipientCoverage()
	}
	return total
}

// Validate rejects schedules that cannot produce a landable group.
func (s Schedule) Validate() error {
	fees := []struct {
		name  string
		value uint64
	}{
		{"app_create_fee", s.AppCreateFee},
		{"payment_fee", s.PaymentFee},
		{"asset_transfer_fee", s.AssetTransferFee},
		{"opt_in_call_fee", s.OptInCallFee},
		{"set_amount_call_fee", s.SetAmountCallFee},
		{"claim_call_fee", s.ClaimCallFee},
		{"reclaim_call_fee", s.ReclaimCallFee},
		{"delete_call_fee", s.DeleteCallFee},
	}
	for _, fee := range fees {
		if fee.value == 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidSchedule, fee.name)
		}
	}
	// Application calls pool the fees of their inner transactions, so each
	// call fee must cover one payment fee per transaction it can emit.
	calls := []struct {
		name     string
		value    uint64
		maxInner uint64
	}{
		{"opt_in_call_fee", s.OptInCallFee, 1},
		{"set_amount_call_fee", s.SetAmountCallFee, 0},
		{"claim_call_fee", s.ClaimCallFee, 2},
		{"reclaim_call_fee", s.ReclaimCallFee, 2},
		{"delete_call_fee", s.DeleteCallFee, 2},
	}
	for _, call := range calls {
		if need := s.PaymentFee * (1 + call.maxInner); call.value < need {
			return fmt.Errorf("%w: %s %d does not cover %d inner transactions (need %d)",
				ErrInvalidSchedule, call.name, call.value, call.maxInner, need)
		}
	}
	if s.AccountMinBalance == 0 {
		return fmt.Errorf("%w: account_min_balance must be positive", ErrInvalidSchedule)
	}
	if s.SafetyBufferBps > MaxBps {
		return fmt.Errorf("%w: safety_buffer_bps must be <= %d", ErrInvalidSchedule, MaxBps)
	}
	return nil
}

// ParseSchedule decodes a TOML schedule. Keys that are absent keep their
// default values.
func ParseSchedule(data []byte) (Schedule, error) {
	schedule := DefaultSchedule()
	meta, err := toml.Decode(string(data), &schedule)
	if err != nil {
		return Schedule{}, fmt.Errorf("fees: decode schedule: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Schedule{}, fmt.Errorf("%w: unknown key %q", ErrInvalidSchedule, undecoded[0].String())
	}
	if err := schedule.Validate(); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}

// LoadSchedule reads a TOML schedule from disk. An empty path yields the
// default schedule.
func LoadSchedule(path string) (Schedule, error) {
	if path == "" {
		return DefaultSchedule(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("fees: read schedule: %w", err)
	}
	return ParseSchedule(data)
}
