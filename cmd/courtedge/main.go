// Courtedge - automated live sports-market execution engine.
//
// Watches in-game prediction markets for sharp price drops on the team the
// scoreboard says is still winning, enters YES at the discount, and exits on
// take-profit, stop-loss, or the clock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/engine"
	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/exchange/clobrest"
	"github.com/dkelsey/courtedge/exchange/evmclob"
	"github.com/dkelsey/courtedge/internal/config"
	"github.com/dkelsey/courtedge/notify"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/storage"
	"github.com/dkelsey/courtedge/types"
)

const version = "1.2.0"

// Exit codes.
const (
	exitOK            = 0
	exitMisconfigured = 2
	exitExchangeDown  = 3
	exitKillSwitch    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/courtedge.yaml", "path to config file")
	verb := flag.String("verb", "run", "run | status | drain | reset-kill-switch | set-allocations | set-primary | dry-run | track")
	verbArg := flag.String("arg", "", "verb argument (allocations as id=pct,..., account id, on/off, or platform:market_id)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitMisconfigured
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitMisconfigured
	}

	setupLogging(cfg.Logging)
	log.Info().Str("version", version).Msg("🏀 Courtedge starting")

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return exitMisconfigured
	}
	defer store.Close()

	scoreboard := scores.NewClient(cfg.Scoreboard.BaseURL)
	notifier := notify.New(cfg.Webhook.URL)
	manager := engine.NewManager(store, scoreboard, notifier, adapterFactory(cfg), discovery.Filters{
		MinLiquidity: decimal.NewFromFloat(cfg.Discovery.MinLiquidity),
		MinVolume:    decimal.NewFromFloat(cfg.Discovery.MinVolume),
		MaxSpread:    decimal.NewFromFloat(cfg.Discovery.MaxSpread),
		HoursAhead:   cfg.Discovery.HoursAhead,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *verb {
	case "run":
		return runEngine(ctx, manager, cfg.UserID)
	case "status":
		status, err := manager.Status(ctx, cfg.UserID)
		if err != nil {
			log.Error().Err(err).Msg("Status failed")
			return exitMisconfigured
		}
		fmt.Printf("%+v\n", status)
		return exitOK
	case "drain":
		if err := manager.DrainUser(cfg.UserID); err != nil {
			log.Error().Err(err).Msg("Drain failed")
			return exitMisconfigured
		}
		return exitOK
	case "reset-kill-switch":
		if err := manager.ResetKillSwitch(ctx, cfg.UserID); err != nil {
			log.Error().Err(err).Msg("Kill switch reset refused")
			return exitKillSwitch
		}
		return exitOK
	case "set-allocations":
		pcts, err := parseAllocations(*verbArg)
		if err != nil {
			log.Error().Err(err).Msg("Bad allocations")
			return exitMisconfigured
		}
		if err := manager.SetAllocations(ctx, cfg.UserID, pcts); err != nil {
			log.Error().Err(err).Msg("Set allocations failed")
			return exitMisconfigured
		}
		return exitOK
	case "set-primary":
		if err := manager.SetPrimary(ctx, cfg.UserID, *verbArg); err != nil {
			log.Error().Err(err).Msg("Set primary failed")
			return exitMisconfigured
		}
		return exitOK
	case "dry-run":
		if err := manager.EnableDryRun(ctx, cfg.UserID, *verbArg != "off"); err != nil {
			log.Error().Err(err).Msg("Dry-run toggle failed")
			return exitMisconfigured
		}
		return exitOK
	case "track":
		platform, marketID, ok := strings.Cut(*verbArg, ":")
		if !ok {
			log.Error().Str("arg", *verbArg).Msg("Track wants platform:market_id")
			return exitMisconfigured
		}
		if err := manager.TrackMarket(ctx, cfg.UserID, types.Platform(platform), marketID); err != nil {
			log.Error().Err(err).Msg("Track failed")
			return exitMisconfigured
		}
		return exitOK
	default:
		log.Error().Str("verb", *verb).Msg("Unknown verb")
		return exitMisconfigured
	}
}

func runEngine(ctx context.Context, manager *engine.Manager, userID string) int {
	if err := manager.StartUser(ctx, userID); err != nil {
		log.Error().Err(err).Msg("Engine start failed")
		var exErr *exchange.Error
		switch {
		case errors.Is(err, engine.ErrKillSwitch):
			return exitKillSwitch
		case errors.As(err, &exErr) && exErr.Kind == exchange.KindTransport:
			return exitExchangeDown
		default:
			return exitMisconfigured
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	manager.StopAll()
	return exitOK
}

// adapterFactory builds venue adapters per account, pooled by the manager.
func adapterFactory(cfg *config.Config) engine.AdapterFactory {
	return func(account types.Account, dryRun bool) (exchange.Exchange, error) {
		switch account.Platform {
		case types.PlatformCLOBRest:
			if !cfg.CLOBRest.Enabled {
				return nil, fmt.Errorf("clob_rest is disabled in config")
			}
			return clobrest.New(clobrest.Config{
				BaseURL:        cfg.CLOBRest.BaseURL,
				KeyID:          cfg.CLOBRest.KeyID,
				PrivateKeyPath: cfg.CLOBRest.PrivateKeyPath,
				DryRun:         dryRun,
			})
		case types.PlatformEVMCLOB:
			if !cfg.EVMCLOB.Enabled {
				return nil, fmt.Errorf("evm_clob is disabled in config")
			}
			client, err := evmclob.New(evmclob.Config{
				BaseURL:       cfg.EVMCLOB.BaseURL,
				WSURL:         cfg.EVMCLOB.WSURL,
				PrivateKeyHex: cfg.EVMCLOB.PrivateKeyHex,
				DryRun:        dryRun,
			})
			if err != nil {
				return nil, err
			}
			client.StartFeed()
			return client, nil
		default:
			return nil, fmt.Errorf("unknown platform %q", account.Platform)
		}
	}
}

// parseAllocations parses "accountID=pct,accountID=pct".
func parseAllocations(arg string) (map[string]decimal.Decimal, error) {
	if arg == "" {
		return nil, fmt.Errorf("allocations argument is empty")
	}
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(arg, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad allocation %q, want id=pct", pair)
		}
		pct, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bad percentage %q: %w", parts[1], err)
		}
		out[parts[0]] = pct
	}
	return out, nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
