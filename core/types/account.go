package types

import "escrowlink/crypto"

// Account is a snapshot of an address as reported by the ledger.
type Account struct {
	Address    crypto.Address    `json:"address"`
	Balance    uint64            `json:"balance"`
	MinBalance uint64            `json:"minBalance"`
	Assets     map[uint64]uint64 `json:"assets,omitempty"` // asset id -> held units
	CreatedApp []uint64          `json:"createdApps,omitempty"`
}

// Available returns the spendable balance above the account's reserve.
func (a Account) Available() uint64 {
	if a.Balance <= a.MinBalance {
		return 0
	}
	return a.Balance - a.MinBalance
}

// HoldsAsset reports whether the account is registered to hold assetID.
func (a Account) HoldsAsset(assetID uint64) bool {
	_, ok := a.Assets[assetID]
	return ok
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.Assets != nil {
		out.Assets = make(map[uint64]uint64, len(a.Assets))
		for id, units := range a.Assets {
			out.Assets[id] = units
		}
	}
	if a.CreatedApp != nil {
		out.CreatedApp = append([]uint64(nil), a.CreatedApp...)
	}
	return &out
}
