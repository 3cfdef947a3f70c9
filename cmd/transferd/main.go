// Command transferd runs the land transfer service: it connects the
// ledger gateway, sweeps expired transfers and serves metrics.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/landchain/registry/internal/config"
	"github.com/landchain/registry/internal/custody"
	"github.com/landchain/registry/internal/ledger"
	"github.com/landchain/registry/internal/ledger/devnet"
	"github.com/landchain/registry/internal/ledger/evm"
	"github.com/landchain/registry/internal/logging"
	"github.com/landchain/registry/internal/metrics"
	"github.com/landchain/registry/internal/store/sqlite"
	"github.com/landchain/registry/internal/transfer"
)

// devnetDomain is the contract address the in-process ledger signs
// authorizations for when none is configured.
var devnetDomain = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func main() {
	configPath := flag.String("config", os.Getenv("LANDCHAIN_CONFIG"), "path to the HCL configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transferd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New(nil)
	backend, err := openBackend(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	gw := ledger.New(backend, ledger.Options{
		GasMarginPercent: cfg.Ledger.GasMarginPercent,
		Confirmations:    cfg.Ledger.Confirmations,
		PollInterval:     cfg.Ledger.PollInterval,
		ConfirmTimeout:   cfg.Ledger.ConfirmTimeout,
		ReadRetries:      cfg.Ledger.ReadRetries,
		Logger:           logger,
		Observer:         m,
	})
	defer gw.Close()

	custodian := gw.Signer()
	if cfg.Ledger.Custodian != "" {
		custodian = common.HexToAddress(cfg.Ledger.Custodian)
	}
	if custodian != gw.Signer() {
		logger.Warn("custodian differs from the ledger signer; custodial transfers will be refused",
			"custodian", custodian.Hex(), "signer", gw.Signer().Hex())
	}
	policy := custody.New(custodian, gw, logger)

	svc := transfer.NewService(st, gw, policy, transfer.Options{
		FrontendURL:  cfg.FrontendURL,
		Currency:     cfg.Currency,
		TransferTTL:  cfg.TransferTTL,
		SignatureTTL: cfg.SignatureTTL,
		ReapAfter:    cfg.ReapAfter,
		Logger:       logger,
		Metrics:      m,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("transferd started", "backend", cfg.Ledger.Backend, "custodian", custodian.Hex(),
		"database", cfg.DatabasePath, "metrics", cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Ledger, logger *slog.Logger) (ledger.Backend, error) {
	switch cfg.Backend {
	case config.BackendEVM:
		key, err := evm.ParseKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		b, err := evm.Dial(ctx, cfg.RPCURL, common.HexToAddress(cfg.ContractAddress), cfg.ChainID, key)
		if err != nil {
			return nil, err
		}
		return b, nil

	case config.BackendDevnet:
		key, err := devnetKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		domain := devnetDomain
		if common.IsHexAddress(cfg.ContractAddress) {
			domain = common.HexToAddress(cfg.ContractAddress)
		}
		b, err := devnet.New(key, domain)
		if err != nil {
			return nil, err
		}
		logger.Warn("using the in-process devnet ledger; state is lost on exit", "signer", b.Signer().Hex())
		return b, nil
	}
	return nil, errors.Errorf("unknown ledger backend %q", cfg.Backend)
}

func devnetKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		return evm.ParseKey(hexKey)
	}
	key, err := crypto.GenerateKey()
	return key, errors.Wrap(err, "generate devnet key")
}
