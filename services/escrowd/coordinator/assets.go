package coordinator

import (
	"strings"

	coreerrors "escrowlink/core/errors"
	"escrowlink/core/types"
)

// Asset is the metadata the service needs to scale decimal amounts.
type Asset struct {
	ID       uint64 `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// AssetRegistry resolves supported assets.
type AssetRegistry interface {
	Asset(id uint64) (Asset, bool)
}

// StaticAssets is an AssetRegistry backed by a fixed table.
type StaticAssets map[uint64]Asset

// NewStaticAssets indexes assets by id.
func NewStaticAssets(assets ...Asset) StaticAssets {
	out := make(StaticAssets, len(assets))
	for _, asset := range assets {
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		out[asset.ID] = asset
	}
	return out
}

func (a StaticAssets) Asset(id uint64) (Asset, bool) {
	asset, ok := a[id]
	return asset, ok
}

func (s *Service) asset(id uint64) (Asset, error) {
	if id == 0 {
		return Asset{}, coreerrors.Validation("assetId required")
	}
	asset, ok := s.assets.Asset(id)
	if !ok {
		return Asset{}, coreerrors.Validation("asset %d is not supported", id)
	}
	return asset, nil
}

// scale converts a decimal amount into smallest units of asset.
func scale(asset Asset, amount string) (uint64, error) {
	units, err := types.ParseAmount(amount, asset.Decimals)
	if err != nil {
		return 0, coreerrors.Wrap(coreerrors.KindValidation, err, "amount")
	}
	if units == 0 {
		return 0, coreerrors.Validation("amount must be positive")
	}
	return units, nil
}
