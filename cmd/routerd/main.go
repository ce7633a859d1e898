package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"soundchain/config"
	"soundchain/core/state"
	"soundchain/gateway/middleware"
	"soundchain/gateway/routes"
	"soundchain/native/bridge"
	"soundchain/native/registry"
	"soundchain/native/router"
	"soundchain/native/scid"
	"soundchain/observability"
	"soundchain/observability/logging"
	"soundchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SOUNDCHAIN_ENV"))
	logger := logging.Setup("routerd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Environment
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "router"))
	if err != nil {
		logger.Error("failed to open router database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	stateDB, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		logger.Error("failed to open state database", "error", err)
		os.Exit(1)
	}
	defer stateDB.Close()

	engine, reg, bridgeEngine, identifiers, err := wire(cfg, db, stateDB)
	if err != nil {
		logger.Error("failed to wire engines", "error", err)
		os.Exit(1)
	}

	authority, err := config.ParseAddress(cfg.Authority)
	if err != nil {
		logger.Error("invalid authority address", "error", err)
		os.Exit(1)
	}

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    strings.TrimSpace(cfg.Auth.HMACSecret) != "",
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
	}, logger)

	handler := routes.New(routes.Config{
		Engine:        engine,
		Registry:      reg,
		Bridge:        bridgeEngine,
		Identifiers:   identifiers,
		Authority:     authority,
		Authenticator: authenticator,
		RequestID:     middleware.RequestID(logger),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("router listening", "address", cfg.ListenAddress, "chainId", cfg.ChainID, "network", cfg.NetworkName)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}

func wire(cfg *config.Config, db, stateDB storage.Database) (*router.Engine, *registry.Registry, *bridge.Engine, *scid.Engine, error) {
	reg := registry.NewRegistry()
	for _, entry := range cfg.Chains {
		connector, err := config.ParseAddress(entry.Connector)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("chain %d connector: %w", entry.ChainID, err)
		}
		err = reg.Register(registry.ChainConfig{
			ChainID:   entry.ChainID,
			Name:      entry.Name,
			Connector: connector,
			GasAsset:  entry.GasAsset,
			GasLimit:  entry.GasLimit,
			Enabled:   entry.Enabled,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	accounts := state.NewKV(stateDB)
	store := router.NewMessageStore(db)
	engine := router.NewEngine(cfg.ChainID, reg, store)
	engine.SetState(accounts)
	engine.SetTransport(router.NewOutbox(db))
	engine.SetEmitter(observability.NewMeteredEmitter(nil))

	authority, err := config.ParseAddress(cfg.Authority)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("authority: %w", err)
	}
	engine.SetAuthority(authority)
	if strings.TrimSpace(cfg.EscrowVault) != "" {
		vault, err := config.ParseAddress(cfg.EscrowVault)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("escrow vault: %w", err)
		}
		engine.SetEscrowVault(vault)
	}
	if strings.TrimSpace(cfg.TransportEndpoint) != "" {
		endpoint, err := config.ParseAddress(cfg.TransportEndpoint)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("transport endpoint: %w", err)
		}
		engine.SetTransportEndpoint(endpoint)
	}
	if err := engine.SetFeeCap(cfg.Fees.FeeCapBps); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := engine.SetShareCeiling(cfg.Fees.ShareCeilingBps); err != nil {
		return nil, nil, nil, nil, err
	}
	if strings.TrimSpace(cfg.MinAmount) != "" {
		min, ok := new(big.Int).SetString(strings.TrimSpace(cfg.MinAmount), 10)
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("invalid MinAmount %q", cfg.MinAmount)
		}
		engine.SetMinAmount(min)
	}
	if cfg.Fees.PlatformFeeBps > 0 {
		collector, err := config.ParseAddress(cfg.Fees.Collector)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("fee collector: %w", err)
		}
		err = engine.SetFeeConfig(authority, router.FeeConfig{
			PlatformFeeBps: cfg.Fees.PlatformFeeBps,
			Collector:      collector,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	bridgeEngine := bridge.NewEngine(db)
	bridgeEngine.SetState(accounts)
	bridgeEngine.SetEmitter(observability.NewMeteredEmitter(nil))
	bridgeEngine.SetGracePeriod(time.Duration(cfg.BridgeGraceSeconds) * time.Second)
	if strings.TrimSpace(cfg.EscrowVault) != "" {
		vault, err := config.ParseAddress(cfg.EscrowVault)
		if err == nil {
			bridgeEngine.SetVault(vault)
		}
	}

	identifiers := scid.NewEngine(db, cfg.ChainTag)
	identifiers.SetState(accounts)
	identifiers.SetEmitter(observability.NewMeteredEmitter(nil))
	identifiers.SetAuthority(authority)

	forward := router.NewForwardHandler(engine)
	for _, typ := range []router.MessageType{
		router.MessagePurchase,
		router.MessageSweep,
		router.MessageSwap,
		router.MessageAirdrop,
		router.MessageMintRequest,
	} {
		if err := engine.RegisterHandler(typ, forward); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if err := engine.RegisterHandler(router.MessageBundlePurchase, router.NewBundleHandler(engine)); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := engine.RegisterHandler(router.MessageRoyaltyClaim, router.NewRoyaltyHandler(engine)); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := engine.RegisterHandler(router.MessageBridgeAsset, bridge.NewLockHandler(bridgeEngine)); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := engine.RegisterHandler(router.MessageIdentifierRegister, scid.NewRegisterHandler(identifiers)); err != nil {
		return nil, nil, nil, nil, err
	}

	return engine, reg, bridgeEngine, identifiers, nil
}
