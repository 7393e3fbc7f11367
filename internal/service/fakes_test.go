package service

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/config"
	"github.com/SharesDAO/DCA-Trader/internal/adapter/chain"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// --- In-memory wallet repo ---

type memWalletRepo struct {
	mu      sync.RWMutex
	wallets map[string]*domain.Wallet
}

func newMemWalletRepo() *memWalletRepo {
	return &memWalletRepo{wallets: make(map[string]*domain.Wallet)}
}

func (r *memWalletRepo) Create(ctx context.Context, w *domain.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wallets[w.Address]; ok {
		return fmt.Errorf("wallet already exists")
	}
	cp := *w
	r.wallets[w.Address] = &cp
	return nil
}

func (r *memWalletRepo) GetByAddress(ctx context.Context, address string) (*domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[address]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *memWalletRepo) ListByStatus(ctx context.Context, status domain.WalletStatus) ([]domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Wallet
	for _, w := range r.wallets {
		if w.Status == status {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (r *memWalletRepo) UpdateStatus(ctx context.Context, address string, status domain.WalletStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[address]
	if !ok {
		return fmt.Errorf("wallet not found")
	}
	w.Status = status
	return nil
}

func (r *memWalletRepo) UpdateAssignment(ctx context.Context, address, asset string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[address]
	if !ok {
		return fmt.Errorf("wallet not found")
	}
	w.AssignedAsset = asset
	return nil
}

func (r *memWalletRepo) UpdateLossCount(ctx context.Context, tx pgx.Tx, address string, lossCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[address]
	if !ok {
		return fmt.Errorf("wallet not found")
	}
	w.LossCount = lossCount
	return nil
}

func (r *memWalletRepo) TouchLastTrade(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[address]
	if !ok {
		return fmt.Errorf("wallet not found")
	}
	now := time.Now()
	w.LastTradeAt = &now
	return nil
}

func (r *memWalletRepo) Delete(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wallets, address)
	return nil
}

func (r *memWalletRepo) CountByAsset(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, w := range r.wallets {
		if w.Status == domain.WalletAbandoned || w.AssignedAsset == "" {
			continue
		}
		out[w.AssignedAsset]++
	}
	return out, nil
}

// --- In-memory order repo ---

type memOrderRepo struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *memOrderRepo) Create(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.OrderID]; ok {
		return fmt.Errorf("order already exists")
	}
	cp := *o
	r.orders[o.OrderID] = &cp
	return nil
}

func (r *memOrderRepo) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *memOrderRepo) ListPending(ctx context.Context) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.Status == domain.OrderPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (r *memOrderRepo) ListPendingByWallet(ctx context.Context, walletAddress string) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.Status == domain.OrderPending && o.WalletAddress == walletAddress {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *memOrderRepo) Settle(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[o.OrderID]
	if !ok || existing.Status != domain.OrderPending {
		return apperror.NotFound("pending order " + o.OrderID)
	}
	cp := *o
	r.orders[o.OrderID] = &cp
	return nil
}

func (r *memOrderRepo) GetStats(ctx context.Context) (*ports.OrderStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &ports.OrderStats{TotalPnL: decimal.Zero}
	for _, o := range r.orders {
		stats.TotalOrders++
		switch o.Status {
		case domain.OrderFilled:
			stats.Filled++
		case domain.OrderExpired:
			stats.Expired++
		case domain.OrderPending:
			if o.Side == domain.OrderSideBuy {
				stats.PendingBuys++
			} else {
				stats.PendingSells++
			}
		}
		if o.ProfitLoss != nil {
			stats.TotalPnL = stats.TotalPnL.Add(*o.ProfitLoss)
			if o.ProfitLoss.IsNegative() {
				stats.LosingTrades++
			} else {
				stats.WinningTrades++
			}
		}
	}
	return stats, nil
}

// --- In-memory position repo ---

type memPositionRepo struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

func newMemPositionRepo() *memPositionRepo {
	return &memPositionRepo{positions: make(map[string]*domain.Position)}
}

func (r *memPositionRepo) Upsert(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.positions[p.WalletAddress] = &cp
	return nil
}

func (r *memPositionRepo) GetByWallet(ctx context.Context, walletAddress string) (*domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[walletAddress]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memPositionRepo) List(ctx context.Context) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Position
	for _, p := range r.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out, nil
}

func (r *memPositionRepo) Delete(ctx context.Context, tx pgx.Tx, walletAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, walletAddress)
	return nil
}

// --- In-memory transactor ---

type memTransactor struct{}

func (t *memTransactor) Begin(ctx context.Context) (pgx.Tx, error) { return &noopTx{}, nil }

// noopTx is a no-op pgx.Tx implementation for in-memory testing.
type noopTx struct{}

func (t *noopTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *noopTx) Commit(ctx context.Context) error          { return nil }
func (t *noopTx) Rollback(ctx context.Context) error        { return nil }
func (t *noopTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *noopTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *noopTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *noopTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *noopTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *noopTx) Conn() *pgx.Conn { return nil }

// --- Fake oracle ---

type fakeOracle struct {
	mu    sync.RWMutex
	pools map[string]domain.Pool
	buy   map[string]decimal.Decimal
	sell  map[string]decimal.Decimal
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		pools: make(map[string]domain.Pool),
		buy:   make(map[string]decimal.Decimal),
		sell:  make(map[string]decimal.Decimal),
	}
}

func (o *fakeOracle) addPool(p domain.Pool, buy, sell decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pools[p.Ticker] = p
	o.buy[p.Ticker] = buy
	o.sell[p.Ticker] = sell
}

func (o *fakeOracle) setSell(ticker string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sell[ticker] = price
}

func (o *fakeOracle) Pools(ctx context.Context) (map[string]domain.Pool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]domain.Pool, len(o.pools))
	for k, v := range o.pools {
		out[k] = v
	}
	return out, nil
}

func (o *fakeOracle) BuyPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.buy[ticker]
	if !ok {
		return decimal.Zero, apperror.PriceUnavailable(ticker, nil)
	}
	return p, nil
}

func (o *fakeOracle) SellPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.sell[ticker]
	if !ok {
		return decimal.Zero, apperror.PriceUnavailable(ticker, nil)
	}
	return p, nil
}

// --- Shared helpers ---

func commonHex(s string) common.Address {
	return common.HexToAddress(s)
}

// bigUSDC converts a human stablecoin amount to 6-decimal base units.
func bigUSDC(s string) *big.Int {
	return domain.ToBaseUnits(decimal.RequireFromString(s), 6)
}

// --- Full stack over the simulated chain ---

const testAESKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type testRig struct {
	cfg        *config.Config
	sim        *chain.Simulated
	wallets    *memWalletRepo
	orders     *memOrderRepo
	positions  *memPositionRepo
	oracle     *fakeOracle
	cipher     *AESKeyCipher
	submitter  *TxSubmitter
	lifecycle  *WalletLifecycle
	accountant *PositionAccountant
	reconciler *OrderReconciler
	vault      string
	stable     string
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Chain.Name = "base"
	cfg.Chain.ChainID = 8453
	cfg.Chain.StableAddress = "0x00000000000000000000000000000000000000aa"
	cfg.Chain.StableDecimals = 6
	cfg.Chain.AssetDecimals = 9
	cfg.Trading.MinUSDPerWallet = 10
	cfg.Trading.MaxUSDPerWallet = 100
	cfg.Trading.MinOrderValue = 5
	cfg.Trading.MinProfitPercent = 5
	cfg.Trading.SellSlippage = 0.01
	cfg.Trading.PriceSlippage = 0.01
	cfg.Trading.OrderExpiryDays = 7
	cfg.Trading.MaxHoldDays = 30
	cfg.Trading.MaxLossCount = 3
	cfg.Trading.Tickers = []string{"AAPL", "TSLA"}
	cfg.Wallets.Total = 10
	cfg.Wallets.GasAllocation = 0.001
	cfg.Wallets.GasReserve = 0.0001
	cfg.Wallets.VaultGasReserve = 0.01
	cfg.Wallets.GasTopUpFraction = 0.3
	cfg.AES.Key = testAESKey
	return cfg
}

func newTestRig() *testRig {
	cfg := testConfig()
	log := zerolog.Nop()

	sim := chain.NewSimulated(cfg.Chain.ChainID)
	vaultKey, _ := crypto.GenerateKey()
	vault := crypto.PubkeyToAddress(vaultKey.PublicKey).Hex()
	cfg.Vault.Address = vault

	stable := common.HexToAddress(cfg.Chain.StableAddress)
	tenEther, _ := new(big.Int).SetString("10000000000000000000", 10)
	sim.SetNativeBalance(common.HexToAddress(vault), tenEther)
	sim.SetTokenBalance(stable, common.HexToAddress(vault), big.NewInt(1_000_000_000_000)) // 1M USDC
	sim.SetDecimals(stable, 6)

	wallets := newMemWalletRepo()
	orders := newMemOrderRepo()
	positions := newMemPositionRepo()
	oracleFake := newFakeOracle()

	cipher, _ := NewAESKeyCipher(cfg.AES.Key)
	rng := rand.New(rand.NewSource(42))
	selector := NewAssetSelector(wallets, rng, log)
	nonces := NewNonceAllocator(sim, log)
	submitter := NewTxSubmitter(sim, nonces, cfg.Chain.ChainID, log)
	lifecycle := NewWalletLifecycle(wallets, sim, submitter, cipher, selector, cfg, vaultKey, rng, log)
	accountant := NewPositionAccountant(&memTransactor{}, orders, positions, wallets, cfg.Trading.MaxHoldDays, cfg.Trading.MaxLossCount, log)
	reconciler := NewOrderReconciler(orders, positions, wallets, oracleFake, sim, submitter, accountant, lifecycle, cfg, log)

	// Millisecond order ids collide when placements run back to back in a
	// test, so the reconciler's clock ticks forward on every read.
	base := time.Now()
	var ticks int64
	reconciler.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * 50 * time.Millisecond)
	}

	return &testRig{
		cfg:        cfg,
		sim:        sim,
		wallets:    wallets,
		orders:     orders,
		positions:  positions,
		oracle:     oracleFake,
		cipher:     cipher,
		submitter:  submitter,
		lifecycle:  lifecycle,
		accountant: accountant,
		reconciler: reconciler,
		vault:      vault,
		stable:     cfg.Chain.StableAddress,
	}
}
