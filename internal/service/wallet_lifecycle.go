package service

import (
	"context"
	"crypto/ecdsa"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/config"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// Balance thresholds separating a meaningful settlement from dust.
var (
	dustStable = decimal.RequireFromString("0.01")
	dustAsset  = decimal.RequireFromString("0.0001")
)

// WalletLifecycle owns the wallet state machine: creation, two-leg funding,
// gas maintenance, reuse after trades and abandonment. All fund movement
// goes through the vault key, one transfer at a time.
type WalletLifecycle struct {
	wallets   ports.WalletRepository
	chain     ports.ChainClient
	submitter ports.Submitter
	cipher    ports.KeyCipher
	selector  *AssetSelector
	cfg       *config.Config
	log       zerolog.Logger

	vaultKey  *ecdsa.PrivateKey
	vaultAddr common.Address
	stable    common.Address

	rng *rand.Rand
	now func() time.Time
}

// NewWalletLifecycle wires the lifecycle manager. vaultKey may be nil only
// in dry-run setups that never move real funds.
func NewWalletLifecycle(
	wallets ports.WalletRepository,
	chain ports.ChainClient,
	submitter ports.Submitter,
	cipher ports.KeyCipher,
	selector *AssetSelector,
	cfg *config.Config,
	vaultKey *ecdsa.PrivateKey,
	rng *rand.Rand,
	log zerolog.Logger,
) *WalletLifecycle {
	return &WalletLifecycle{
		wallets:   wallets,
		chain:     chain,
		submitter: submitter,
		cipher:    cipher,
		selector:  selector,
		cfg:       cfg,
		log:       log.With().Str("component", "wallet_lifecycle").Logger(),
		vaultKey:  vaultKey,
		vaultAddr: common.HexToAddress(cfg.Vault.Address),
		stable:    common.HexToAddress(cfg.Chain.StableAddress),
		rng:       rng,
		now:       time.Now,
	}
}

// StableBalance reads an address's stablecoin balance in human units.
func (m *WalletLifecycle) StableBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	bal, err := m.chain.TokenBalance(ctx, m.stable, common.HexToAddress(addr))
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(bal, m.cfg.Chain.StableDecimals), nil
}

// NativeBalance reads an address's gas-token balance in human units.
func (m *WalletLifecycle) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	bal, err := m.chain.NativeBalance(ctx, common.HexToAddress(addr))
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(bal, 18), nil
}

// WalletKey decrypts the wallet's signing key for the duration of one call.
func (m *WalletLifecycle) WalletKey(w *domain.Wallet) (*ecdsa.PrivateKey, error) {
	hexKey, err := m.cipher.Decrypt(w.EncryptedKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, apperror.EncryptionFailure(err)
	}
	return key, nil
}

// minFunding is the smallest viable per-wallet stablecoin allocation.
func (m *WalletLifecycle) minFunding() decimal.Decimal {
	min := decimal.NewFromFloat(m.cfg.Trading.MinUSDPerWallet)
	floor := decimal.NewFromFloat(m.cfg.Trading.MinOrderValue)
	if min.LessThan(floor) {
		return floor
	}
	return min
}

// fundingTarget draws a random stablecoin allocation in [minFunding, max].
func (m *WalletLifecycle) fundingTarget() decimal.Decimal {
	min := m.minFunding()
	max := decimal.NewFromFloat(m.cfg.Trading.MaxUSDPerWallet)
	span, _ := max.Sub(min).Float64()
	if span <= 0 {
		return min
	}
	return min.Add(decimal.NewFromFloat(m.rng.Float64() * span)).Round(2)
}

// CanCreateWallet gates wallet creation on the pool size and on the vault
// holding at least twice the minimum funding.
func (m *WalletLifecycle) CanCreateWallet(ctx context.Context) (bool, error) {
	active, err := m.wallets.ListByStatus(ctx, domain.WalletActive)
	if err != nil {
		return false, apperror.DatabaseError(err)
	}
	pending, err := m.wallets.ListByStatus(ctx, domain.WalletPendingFunding)
	if err != nil {
		return false, apperror.DatabaseError(err)
	}
	if len(active)+len(pending) >= m.cfg.Wallets.Total {
		return false, nil
	}
	vaultStable, err := m.StableBalance(ctx, m.cfg.Vault.Address)
	if err != nil {
		return false, err
	}
	return vaultStable.GreaterThanOrEqual(m.minFunding().Mul(decimal.NewFromInt(2))), nil
}

// CreateWallet generates a keypair, assigns an asset and persists the wallet
// as PENDING_FUNDING before any transfer, so a mid-funding crash leaves a
// retriable record. Funding is attempted immediately.
func (m *WalletLifecycle) CreateWallet(ctx context.Context, tickers []string) (*domain.Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	encrypted, err := m.cipher.Encrypt(common.Bytes2Hex(crypto.FromECDSA(key)))
	if err != nil {
		return nil, err
	}

	asset, err := m.selector.Select(ctx, tickers)
	if err != nil {
		return nil, err
	}

	w := &domain.Wallet{
		Address:       address,
		EncryptedKey:  encrypted,
		ChainID:       m.cfg.Chain.ChainID,
		AssignedAsset: asset,
		Status:        domain.WalletPendingFunding,
		FundingTarget: m.fundingTarget(),
		CreatedAt:     m.now(),
	}
	if err := m.wallets.Create(ctx, w); err != nil {
		return nil, apperror.DatabaseError(err)
	}
	m.log.Info().Str("wallet", address).Str("asset", asset).Msg("wallet created")

	if err := m.FundWallet(ctx, w); err != nil {
		// Stays PENDING_FUNDING; the next cycle retries.
		m.log.Warn().Err(err).Str("wallet", address).Msg("initial funding incomplete")
		return w, nil
	}
	return w, nil
}

// FundWallet runs the two funding legs: stablecoin first, then native gas.
// A leg is skipped when the wallet already holds at least half its target,
// recovering cleanly from a partial prior attempt. The stablecoin target is
// the allocation persisted at creation, so retries are idempotent. Both
// legs done moves the wallet to ACTIVE.
func (m *WalletLifecycle) FundWallet(ctx context.Context, w *domain.Wallet) error {
	half := decimal.NewFromFloat(0.5)

	stableTarget := w.FundingTarget
	if !stableTarget.IsPositive() {
		// Rows predating the stored allocation fall back to the fixed
		// minimum rather than a fresh random draw.
		stableTarget = m.minFunding()
	}
	current, err := m.StableBalance(ctx, w.Address)
	if err != nil {
		return err
	}
	if current.LessThan(stableTarget.Mul(half)) {
		m.log.Info().Str("wallet", w.Address).Str("usdc", stableTarget.String()).Msg("funding stablecoin leg")
		_, err := m.submitter.Submit(ctx, ports.SubmitRequest{
			Key:    m.vaultKey,
			To:     common.HexToAddress(w.Address),
			Token:  &m.stable,
			Amount: domain.ToBaseUnits(stableTarget, m.cfg.Chain.StableDecimals),
		})
		if err != nil {
			return err
		}
	}

	gasTarget := decimal.NewFromFloat(m.cfg.Wallets.GasAllocation)
	native, err := m.NativeBalance(ctx, w.Address)
	if err != nil {
		return err
	}
	if native.LessThan(gasTarget.Mul(half)) {
		m.log.Info().Str("wallet", w.Address).Str("native", gasTarget.String()).Msg("funding gas leg")
		_, err := m.submitter.Submit(ctx, ports.SubmitRequest{
			Key:    m.vaultKey,
			To:     common.HexToAddress(w.Address),
			Amount: domain.ToBaseUnits(gasTarget, 18),
		})
		if err != nil {
			return err
		}
	}

	if err := m.wallets.UpdateStatus(ctx, w.Address, domain.WalletActive); err != nil {
		return apperror.DatabaseError(err)
	}
	w.Status = domain.WalletActive
	m.log.Info().Str("wallet", w.Address).Msg("wallet funded and active")
	return nil
}

// RetryPendingFunding re-runs funding for every PENDING_FUNDING wallet and
// returns those that became active this pass.
func (m *WalletLifecycle) RetryPendingFunding(ctx context.Context) ([]domain.Wallet, error) {
	pending, err := m.wallets.ListByStatus(ctx, domain.WalletPendingFunding)
	if err != nil {
		return nil, apperror.DatabaseError(err)
	}

	var funded []domain.Wallet
	for i := range pending {
		w := pending[i]
		if err := m.FundWallet(ctx, &w); err != nil {
			m.log.Warn().Err(err).Str("wallet", w.Address).Msg("funding retry failed")
			continue
		}
		funded = append(funded, w)
	}
	return funded, nil
}

// EnsureGas tops the wallet up to its full gas allocation when its native
// balance falls below the configured fraction of it. The top-up is skipped
// when it would push the vault under its own reserve. Returns whether the
// wallet can pay for a transaction.
func (m *WalletLifecycle) EnsureGas(ctx context.Context, w *domain.Wallet) (bool, error) {
	allocation := decimal.NewFromFloat(m.cfg.Wallets.GasAllocation)
	threshold := allocation.Mul(decimal.NewFromFloat(m.cfg.Wallets.GasTopUpFraction))

	native, err := m.NativeBalance(ctx, w.Address)
	if err != nil {
		return false, err
	}
	if native.GreaterThanOrEqual(threshold) {
		return true, nil
	}

	needed := allocation.Sub(native)
	vaultNative, err := m.NativeBalance(ctx, m.cfg.Vault.Address)
	if err != nil {
		return false, err
	}
	reserve := decimal.NewFromFloat(m.cfg.Wallets.VaultGasReserve)
	if vaultNative.Sub(needed).LessThan(reserve) {
		m.log.Warn().
			Str("wallet", w.Address).
			Str("vault_native", vaultNative.String()).
			Msg("gas top-up skipped, vault reserve would be breached")
		return false, nil
	}

	m.log.Info().Str("wallet", w.Address).Str("amount", needed.String()).Msg("topping up gas")
	_, err = m.submitter.Submit(ctx, ports.SubmitRequest{
		Key:    m.vaultKey,
		To:     common.HexToAddress(w.Address),
		Amount: domain.ToBaseUnits(needed, 18),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reuse prepares an active wallet for its next trade: a fresh balanced asset
// assignment and a stablecoin top-up to the minimum when the balance ran low.
// Loss counters are settled transactionally by the accountant, not here.
func (m *WalletLifecycle) Reuse(ctx context.Context, w *domain.Wallet, tickers []string) error {
	asset, err := m.selector.Select(ctx, tickers)
	if err != nil {
		return err
	}
	if err := m.wallets.UpdateAssignment(ctx, w.Address, asset); err != nil {
		return apperror.DatabaseError(err)
	}
	w.AssignedAsset = asset

	balance, err := m.StableBalance(ctx, w.Address)
	if err != nil {
		return err
	}
	min := m.minFunding()
	if balance.LessThan(min) {
		needed := min.Sub(balance)
		m.log.Info().Str("wallet", w.Address).Str("amount", needed.String()).Msg("topping up stablecoin for reuse")
		_, err := m.submitter.Submit(ctx, ports.SubmitRequest{
			Key:    m.vaultKey,
			To:     common.HexToAddress(w.Address),
			Token:  &m.stable,
			Amount: domain.ToBaseUnits(needed, m.cfg.Chain.StableDecimals),
		})
		if err != nil {
			return err
		}
	}
	m.log.Info().Str("wallet", w.Address).Str("asset", asset).Msg("wallet ready for reuse")
	return nil
}

// Abandon sweeps the wallet's stablecoin and any native balance above the
// gas reserve back to the vault, then marks the wallet ABANDONED. Sweep
// failures are logged, not fatal: the status change must not be blocked by
// stuck dust.
func (m *WalletLifecycle) Abandon(ctx context.Context, w *domain.Wallet) error {
	key, err := m.WalletKey(w)
	if err != nil {
		return err
	}

	stableBal, err := m.StableBalance(ctx, w.Address)
	if err == nil && stableBal.GreaterThanOrEqual(dustStable) {
		_, serr := m.submitter.Submit(ctx, ports.SubmitRequest{
			Key:    key,
			To:     m.vaultAddr,
			Token:  &m.stable,
			Amount: domain.ToBaseUnits(stableBal, m.cfg.Chain.StableDecimals),
		})
		if serr != nil {
			m.log.Warn().Err(serr).Str("wallet", w.Address).Msg("stablecoin sweep failed")
		}
	}

	native, err := m.NativeBalance(ctx, w.Address)
	reserve := decimal.NewFromFloat(m.cfg.Wallets.GasReserve)
	if err == nil && native.GreaterThan(reserve) {
		amount := native.Sub(reserve)
		_, serr := m.submitter.Submit(ctx, ports.SubmitRequest{
			Key:    key,
			To:     m.vaultAddr,
			Amount: domain.ToBaseUnits(amount, 18),
		})
		if serr != nil {
			m.log.Warn().Err(serr).Str("wallet", w.Address).Msg("native sweep failed")
		}
	}

	if err := m.wallets.UpdateStatus(ctx, w.Address, domain.WalletAbandoned); err != nil {
		return apperror.DatabaseError(err)
	}
	w.Status = domain.WalletAbandoned
	m.log.Info().Str("wallet", w.Address).Msg("wallet abandoned")
	return nil
}

// SweepToVault moves stablecoin from every active wallet back to the vault
// and abandons them. Used after liquidation completes.
func (m *WalletLifecycle) SweepToVault(ctx context.Context) (int, decimal.Decimal, error) {
	active, err := m.wallets.ListByStatus(ctx, domain.WalletActive)
	if err != nil {
		return 0, decimal.Zero, apperror.DatabaseError(err)
	}

	swept := 0
	total := decimal.Zero
	for i := range active {
		w := active[i]
		balance, err := m.StableBalance(ctx, w.Address)
		if err != nil || balance.LessThan(dustStable) {
			continue
		}
		if err := m.Abandon(ctx, &w); err != nil {
			m.log.Error().Err(err).Str("wallet", w.Address).Msg("sweep failed")
			continue
		}
		swept++
		total = total.Add(balance)
	}
	m.log.Info().Int("wallets", swept).Str("usdc", total.String()).Msg("sweep completed")
	return swept, total, nil
}
