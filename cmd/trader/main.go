package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/SharesDAO/DCA-Trader/config"
	"github.com/SharesDAO/DCA-Trader/internal/adapter/chain"
	httpHandler "github.com/SharesDAO/DCA-Trader/internal/adapter/http/handler"
	"github.com/SharesDAO/DCA-Trader/internal/adapter/oracle"
	pgStorage "github.com/SharesDAO/DCA-Trader/internal/adapter/storage/postgres"
	redisStorage "github.com/SharesDAO/DCA-Trader/internal/adapter/storage/redis"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/internal/orchestrator"
	"github.com/SharesDAO/DCA-Trader/internal/service"
	"github.com/SharesDAO/DCA-Trader/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "invalid config: %s\n", strings.Join(problems, "; "))
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().
		Str("chain", cfg.Chain.Name).
		Bool("dry_run", cfg.DryRun).
		Bool("liquidation", cfg.Trading.LiquidationMode).
		Msg("starting DCA trader")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer pool.Close()
	if err := pgStorage.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}
	log.Info().Msg("PostgreSQL connected")

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	walletRepo := pgStorage.NewWalletRepo(pool)
	orderRepo := pgStorage.NewOrderRepo(pool)
	positionRepo := pgStorage.NewPositionRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	quoteCache := redisStorage.NewQuoteCache(rdb, cfg.Oracle.CacheTTL)
	priceOracle := oracle.New(
		cfg.Oracle.BaseURL,
		cfg.Chain.Name,
		cfg.Trading.PriceSlippage,
		cfg.Trading.Tickers,
		cfg.Oracle.Timeout,
		quoteCache,
		log,
	)

	vaultKey, err := loadVaultKey(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load vault key")
	}

	var chainClient ports.ChainClient
	if cfg.DryRun {
		chainClient = newSimulatedChain(cfg)
		log.Info().Msg("dry run: using simulated chain")
	} else {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to chain RPC")
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to query chain id")
		}
		if chainID.Int64() != cfg.Chain.ChainID {
			log.Fatal().
				Int64("configured", cfg.Chain.ChainID).
				Int64("actual", chainID.Int64()).
				Msg("chain id mismatch")
		}
		chainClient = client
		log.Info().Int64("chain_id", cfg.Chain.ChainID).Msg("chain RPC connected")
	}

	cipher, err := service.NewAESKeyCipher(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key cipher")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	selector := service.NewAssetSelector(walletRepo, rng, log)
	nonces := service.NewNonceAllocator(chainClient, log)
	submitter := service.NewTxSubmitter(chainClient, nonces, cfg.Chain.ChainID, log)
	lifecycle := service.NewWalletLifecycle(walletRepo, chainClient, submitter, cipher, selector, cfg, vaultKey, rng, log)
	accountant := service.NewPositionAccountant(transactor, orderRepo, positionRepo, walletRepo, cfg.Trading.MaxHoldDays, cfg.Trading.MaxLossCount, log)
	reconciler := service.NewOrderReconciler(orderRepo, positionRepo, walletRepo, priceOracle, chainClient, submitter, accountant, lifecycle, cfg, log)
	reporter := service.NewReporter(orderRepo, positionRepo, walletRepo, log)

	loop := orchestrator.New(priceOracle, walletRepo, orderRepo, positionRepo, lifecycle, reconciler, reporter, cfg, log)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		Reporter: reporter,
		HealthCheckers: []httpHandler.NamedPinger{
			{Name: "postgres", Pinger: pgStorage.NewHealthCheck(pool)},
			{Name: "redis", Pinger: redisStorage.NewHealthCheck(rdb)},
		},
		Logger: log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("trading loop exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}

// loadVaultKey parses the configured vault key. Dry runs with no key get an
// ephemeral one, and the vault address follows it.
func loadVaultKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.Vault.PrivateKey == "" && cfg.DryRun {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		cfg.Vault.Address = crypto.PubkeyToAddress(key.PublicKey).Hex()
		return key, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Vault.PrivateKey, "0x"))
	if err != nil {
		return nil, err
	}
	if cfg.Vault.Address == "" {
		cfg.Vault.Address = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}
	return key, nil
}

// newSimulatedChain builds the dry-run chain: a funded vault plus a hook
// that plays the settlement counterparty, crediting every memo-carrying
// escrow transfer with the asset or stablecoin it requested.
func newSimulatedChain(cfg *config.Config) ports.ChainClient {
	sim := chain.NewSimulated(cfg.Chain.ChainID)
	vault := common.HexToAddress(cfg.Vault.Address)
	stable := common.HexToAddress(cfg.Chain.StableAddress)

	ether := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	sim.SetNativeBalance(vault, new(big.Int).Mul(big.NewInt(1_000), ether))

	stableUnit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Chain.StableDecimals)), nil)
	sim.SetTokenBalance(stable, vault, new(big.Int).Mul(big.NewInt(1_000_000), stableUnit))
	sim.SetDecimals(stable, uint8(cfg.Chain.StableDecimals))

	sim.OnTransfer = func(ev chain.TransferEvent) {
		if len(ev.Memo) == 0 || ev.Token == nil {
			return
		}
		var memo domain.Memo
		if err := json.Unmarshal(ev.Memo, &memo); err != nil || memo.Request == nil {
			return
		}
		ctx := context.Background()
		if *ev.Token == stable {
			// Buy escrow: mint the requested asset back to the buyer.
			asset := common.HexToAddress(memo.TokenAddress)
			simCredit(ctx, sim, asset, ev.From, memo.Request)
		} else {
			// Sell escrow: pay the requested stablecoin to the seller.
			simCredit(ctx, sim, stable, ev.From, memo.Request)
		}
	}
	return sim
}

func simCredit(ctx context.Context, sim *chain.Simulated, token, addr common.Address, amount *big.Int) {
	current, err := sim.TokenBalance(ctx, token, addr)
	if err != nil {
		current = big.NewInt(0)
	}
	sim.SetTokenBalance(token, addr, new(big.Int).Add(current, amount))
}
