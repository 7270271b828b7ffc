package escrowd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"escrowlink/core/events"
	"escrowlink/core/ledger/memledger"
	"escrowlink/crypto"
	"escrowlink/native/fees"
	"escrowlink/services/escrowd/config"
	"escrowlink/services/escrowd/coordinator"
)

// devnet is an in-memory ledger seeded with a funded operator wallet and one
// asset held entirely by that wallet.
type devnet struct {
	ledger   *memledger.Ledger
	operator *crypto.PrivateKey
	asset    coordinator.Asset
	platform crypto.Address
}

func bootstrapDevnet(cfg config.Config, schedule fees.Schedule, emitter events.Emitter, logger *slog.Logger) (*devnet, error) {
	passphrase, err := devPassphrase(cfg.Dev.PassphraseEnv, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}
	operator, created, err := crypto.LoadOrCreateKeystore(cfg.Dev.Keystore, passphrase, crypto.LightKeystore)
	if err != nil {
		return nil, fmt.Errorf("dev operator wallet: %w", err)
	}

	l := memledger.New(
		memledger.WithSchedule(schedule),
		memledger.WithEmitter(emitter),
		memledger.WithLogger(logger))
	l.Fund(operator.Address(), cfg.Dev.Funding)
	asset := coordinator.Asset{
		ID:       l.CreateAsset(operator.Address(), cfg.Dev.AssetSupply),
		Symbol:   strings.ToUpper(cfg.Dev.AssetSymbol),
		Decimals: cfg.Dev.AssetDecimals,
	}

	platform := cfg.Platform
	if platform.IsZero() {
		platform = operator.Address()
	}
	logger.Info("dev ledger ready",
		slog.String("operator", operator.Address().String()),
		slog.Bool("newWallet", created),
		slog.String("keystore", cfg.Dev.Keystore),
		slog.Uint64("assetId", asset.ID),
		slog.String("assetSymbol", asset.Symbol),
		slog.String("platform", platform.String()))
	return &devnet{ledger: l, operator: operator, asset: asset, platform: platform}, nil
}
