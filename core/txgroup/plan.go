// Package txgroup assembles the atomic transaction groups of the escrow
// protocol and tracks which party must sign each leg.
package txgroup

import (
	"fmt"
	"strings"

	coreerrors "escrowlink/core/errors"
	"escrowlink/core/types"
	"escrowlink/crypto"
)

// Role names the party responsible for signing a leg.
type Role string

const (
	RoleCreator   Role = "creator"
	RoleCapsule   Role = "capsule"
	RoleRecipient Role = "recipient"
)

// Kind identifies which protocol group a plan represents.
type Kind string

const (
	KindDeploy          Kind = "deploy"
	KindFunding         Kind = "funding"
	KindClaim           Kind = "claim"
	KindOptInClaim      Kind = "opt_in_claim"
	KindReclaim         Kind = "reclaim"
	KindCleanup         Kind = "cleanup"
	KindCleanupUnfunded Kind = "cleanup_unfunded"
)

// Leg is one slot of a group plan.
type Leg struct {
	Name string            `json:"name"`
	Role Role              `json:"role"`
	Txn  types.Transaction `json:"txn"`
	Sig  []byte            `json:"sig,omitempty"`
}

// Signed reports whether the slot holds a signature.
func (l Leg) Signed() bool { return len(l.Sig) > 0 }

// GroupPlan is an ordered group together with the signer of every slot.
// Slots are filled independently and combined by Assemble.
type GroupPlan struct {
	Kind  Kind          `json:"kind"`
	Group types.GroupID `json:"group"`
	Legs  []Leg         `json:"legs"`
}

func newPlan(kind Kind, legs []Leg) *GroupPlan {
	plan := &GroupPlan{Kind: kind, Legs: legs}
	if len(legs) > 1 {
		txns := make([]types.Transaction, len(legs))
		for i := range legs {
			txns[i] = legs[i].Txn
		}
		plan.Group = types.ComputeGroupID(txns)
		for i := range plan.Legs {
			plan.Legs[i].Txn.Group = plan.Group
		}
	}
	return plan
}

// SlotOf returns the first slot signed by role.
func (p *GroupPlan) SlotOf(role Role) (int, bool) {
	for i, leg := range p.Legs {
		if leg.Role == role {
			return i, true
		}
	}
	return 0, false
}

// Slots returns every slot signed by role, in group order.
func (p *GroupPlan) Slots(role Role) []int {
	var out []int
	for i, leg := range p.Legs {
		if leg.Role == role {
			out = append(out, i)
		}
	}
	return out
}

// TxIDs returns the transaction ids in group order.
func (p *GroupPlan) TxIDs() []types.TxID {
	out := make([]types.TxID, len(p.Legs))
	for i, leg := range p.Legs {
		out[i] = leg.Txn.ID()
	}
	return out
}

// Fees sums the flat fees of every leg.
func (p *GroupPlan) Fees() uint64 {
	var total uint64
	for _, leg := range p.Legs {
		total += leg.Txn.Fee
	}
	return total
}

// Sign fills every slot owned by role using key.
func (p *GroupPlan) Sign(role Role, key *crypto.PrivateKey) error {
	slots := p.Slots(role)
	if len(slots) == 0 {
		return coreerrors.Validation("plan %s has no %s slot", p.Kind, role)
	}
	for _, slot := range slots {
		leg := &p.Legs[slot]
		if leg.Txn.Sender != key.Address() {
			return coreerrors.Validation("slot %d (%s) must be signed by %s", slot, leg.Name, leg.Txn.Sender)
		}
		signed, err := leg.Txn.Sign(key)
		if err != nil {
			return fmt.Errorf("txgroup: sign slot %d: %w", slot, err)
		}
		leg.Sig = signed.Sig
	}
	return nil
}

// Attach places an externally signed transaction into slot after checking
// that it is exactly the planned transaction and carries the sender's
// signature.
func (p *GroupPlan) Attach(slot int, stx types.SignedTransaction) error {
	if slot < 0 || slot >= len(p.Legs) {
		return coreerrors.Validation("slot %d out of range for %d-leg %s group", slot, len(p.Legs), p.Kind)
	}
	leg := &p.Legs[slot]
	if stx.ID() != leg.Txn.ID() {
		return coreerrors.Validation("slot %d (%s) received a different transaction", slot, leg.Name)
	}
	if err := stx.Verify(); err != nil {
		return coreerrors.Wrap(coreerrors.KindValidation, err, "slot %d (%s) signature", slot, leg.Name)
	}
	leg.Sig = append([]byte(nil), stx.Sig...)
	return nil
}

// AttachAll attaches every signed transaction to the slot holding the same
// transaction id.
func (p *GroupPlan) AttachAll(signed []types.SignedTransaction) error {
	ids := p.TxIDs()
	for _, stx := range signed {
		id := stx.ID()
		slot := -1
		for i := range ids {
			if ids[i] == id {
				slot = i
				break
			}
		}
		if slot < 0 {
			return coreerrors.Validation("transaction %s is not part of the %s group", id, p.Kind)
		}
		if err := p.Attach(slot, stx); err != nil {
			return err
		}
	}
	return nil
}

// Unsigned lists the slots still missing a signature.
func (p *GroupPlan) Unsigned() []int {
	var out []int
	for i, leg := range p.Legs {
		if !leg.Signed() {
			out = append(out, i)
		}
	}
	return out
}

// Verify checks the group tag of every leg and any signatures present.
func (p *GroupPlan) Verify() error {
	if len(p.Legs) == 0 {
		return coreerrors.Validation("empty %s group", p.Kind)
	}
	if len(p.Legs) > 1 {
		txns := make([]types.Transaction, len(p.Legs))
		for i := range p.Legs {
			txns[i] = p.Legs[i].Txn
		}
		want := types.ComputeGroupID(txns)
		if p.Group != want {
			return coreerrors.Validation("%s group tag does not match its legs", p.Kind)
		}
		for i, leg := range p.Legs {
			if leg.Txn.Group != want {
				return coreerrors.Validation("slot %d (%s) carries a foreign group tag", i, leg.Name)
			}
		}
	}
	for i, leg := range p.Legs {
		if !leg.Signed() {
			continue
		}
		stx := types.SignedTransaction{Txn: leg.Txn, Sig: leg.Sig}
		if err := stx.Verify(); err != nil {
			return coreerrors.Wrap(coreerrors.KindValidation, err, "slot %d (%s) signature", i, leg.Name)
		}
	}
	return nil
}

// Assemble returns the fully signed group. It fails with a validation error,
// before anything reaches the ledger, when any slot is unsigned.
func (p *GroupPlan) Assemble() ([]types.SignedTransaction, error) {
	if missing := p.Unsigned(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, slot := range missing {
			names[i] = fmt.Sprintf("%d:%s(%s)", slot, p.Legs[slot].Name, p.Legs[slot].Role)
		}
		return nil, coreerrors.Validation("%s group has unsigned slots %s", p.Kind, strings.Join(names, ", "))
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	out := make([]types.SignedTransaction, len(p.Legs))
	for i, leg := range p.Legs {
		out[i] = types.SignedTransaction{Txn: leg.Txn.Clone(), Sig: append([]byte(nil), leg.Sig...)}
	}
	return out, nil
}

// Clone returns a deep copy of the plan.
func (p *GroupPlan) Clone() *GroupPlan {
	if p == nil {
		return nil
	}
	out := &GroupPlan{Kind: p.Kind, Group: p.Group, Legs: make([]Leg, len(p.Legs))}
	for i, leg := range p.Legs {
		out.Legs[i] = Leg{Name: leg.Name, Role: leg.Role, Txn: leg.Txn.Clone()}
		if leg.Sig != nil {
			out.Legs[i].Sig = append([]byte(nil), leg.Sig...)
		}
	}
	return out
}
