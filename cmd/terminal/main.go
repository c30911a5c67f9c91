package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/directory"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/logging"
	"kasirinaja/terminal/internal/printer"
	"kasirinaja/terminal/internal/seed"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/memory"
	pgstore "kasirinaja/terminal/internal/store/postgres"
	"kasirinaja/terminal/internal/store/sqlite"
	"kasirinaja/terminal/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := validateSecurityConfig(cfg); err != nil {
		if cfg.IsProduction() {
			log.Fatalf("invalid security configuration: %v", err)
		}
		log.WithError(err).Warn("weak security configuration, acceptable outside production only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("terminal stopped with error")
	}
	log.Info("terminal stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	closers := make([]func() error, 0, 4)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.WithError(err).Warn("close error")
			}
		}
	}()

	bootCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tel, err := telemetry.New(bootCtx, telemetry.Config{
		ServiceName:  "kasirinaja-terminal",
		Environment:  cfg.AppEnv,
		StoreID:      cfg.StoreID,
		TerminalID:   cfg.TerminalID,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	closers = append(closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	local, err := sqlite.Open(bootCtx, cfg.LocalDBPath)
	if err != nil {
		return err
	}
	closers = append(closers, local.Close)
	log.WithField("path", cfg.LocalDBPath).Info("local cache: sqlite")

	remote, remoteSeed, err := openRemote(bootCtx, cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := remote.(interface{ Close() error }); ok {
		closers = append(closers, closer.Close)
	}

	operators, err := applySeed(bootCtx, cfg, log, remoteSeed, local)
	if err != nil {
		return err
	}
	if len(operators) == 0 {
		log.Warn("no operators configured; set SEED_FILE to allow logins")
	}

	rules := cache.RuleSetCache(cache.NoopRuleSetCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRuleSetCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(bootCtx); err != nil {
			log.WithError(err).Warn("redis unavailable, rule sets will not be cached")
		} else {
			rules = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("rule cache: redis")
		}
	}

	var prn printer.Printer = printer.Discard{}
	if cfg.PrinterDevice != "" {
		prn = printer.NewDevicePrinter(cfg.PrinterDevice, cfg.PrinterWidth)
		log.WithField("device", cfg.PrinterDevice).Info("receipt printer enabled")
	}

	svc, err := service.New(remote, local, service.Options{
		StoreID:           cfg.StoreID,
		TerminalID:        cfg.TerminalID,
		Ledger:            cfg.LedgerPolicy(),
		Sync:              cfg.SyncPolicy(),
		SyncInterval:      cfg.SyncInterval(),
		RuleCacheTTL:      cfg.RuleCacheTTL(),
		MembershipWarning: cfg.MembershipWarning(),
		Rules:             rules,
		Printer:           prn,
		Directory:         directory.New(cfg.DirectoryBaseURL, time.Duration(cfg.DirectoryTimeoutSeconds)*time.Second, cfg.DirectoryRatePerSecond, log),
		Telemetry:         tel,
		Log:               log,
	})
	if err != nil {
		return err
	}
	defer svc.Wait()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, operators)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("POS terminal listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Dispatcher().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openRemote connects to the transactional store. Without DATABASE_URL the
// terminal runs against an in-memory store, which is only meant for demos;
// that store is also returned as a seed target.
func openRemote(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.RemoteStore, seed.Target, error) {
	if cfg.DatabaseURL == "" {
		log.Info("remote store: in-memory")
		mem := memory.NewSeeded()
		if cfg.SeedFile != "" {
			mem = memory.New()
		}
		return mem, mem, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
	}
	if err := pg.Migrate(); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	log.Info("remote store: postgres")
	return pg, nil, nil
}

// applySeed loads the seed file, if any. The catalog is written to an
// in-memory remote and to a local cache that has never been filled, so an
// existing mirror with pending offline sales is left alone.
func applySeed(ctx context.Context, cfg config.Config, log logrus.FieldLogger, remote seed.Target, local store.LocalCache) ([]domain.Operator, error) {
	if cfg.SeedFile == "" {
		return nil, nil
	}
	file, err := seed.Load(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	if file.StoreID == "" {
		file.StoreID = cfg.StoreID
	}

	targets := make([]seed.Target, 0, 2)
	if remote != nil {
		targets = append(targets, remote)
	}
	if _, err := local.GetRuleSet(ctx, file.StoreID); errors.Is(err, store.ErrNotFound) {
		targets = append(targets, local)
	}
	if err := file.Apply(ctx, time.Now(), targets...); err != nil {
		return nil, err
	}

	operators, err := file.Operators()
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"file":      cfg.SeedFile,
		"products":  len(file.Products),
		"operators": len(operators),
		"targets":   len(targets),
	}).Info("seed applied")
	return operators, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
