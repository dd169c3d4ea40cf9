// Polycopy - Paper copy trader for Polymarket
//
// Mirrors the fills of one source wallet into a simulated USD account:
// 1. Poll the wallet's recent activity from the data-api
// 2. Re-price each fill against the live CLOB book
// 3. Apply the fill to a durable paper ledger
// 4. Track lifecycle: pending resolution, settlement at 999/1, user closes
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/audit"
	"github.com/web3guy0/polycopy/internal/bot"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/internal/dashboard"
	"github.com/web3guy0/polycopy/internal/database"
	"github.com/web3guy0/polycopy/internal/engine"
	"github.com/web3guy0/polycopy/internal/filter"
	"github.com/web3guy0/polycopy/internal/ledger"
	"github.com/web3guy0/polycopy/internal/polymarket"
	"github.com/web3guy0/polycopy/internal/settings"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("profile", cfg.ProfileAddress).
		Msg("📋 Polycopy starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditLog := audit.New(cfg.AuditDir)
	auditLog.Event(audit.Boot, "polycopy v%s starting profile=%s", version, cfg.ProfileAddress)

	// ====== CORE COMPONENTS ======

	led := ledger.Open(cfg.LedgerPath, cfg.StartingBalance)
	log.Info().Float64("balance", led.Balance()).Int("positions", len(led.Positions())).Msg("📒 Ledger loaded")

	blacklist := filter.Load(cfg.BlacklistPath)

	tradeSettings := settings.Load(cfg.SettingsPath,
		settings.Defaults(cfg.TradePercentage, cfg.FixedAmountUSD))

	dbPath := cfg.DatabaseDSN
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}
	db, err := database.New(dbPath)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Trade mirror unavailable, continuing without it")
		db = nil
	}

	venue := polymarket.NewClient(cfg.GammaAPIURL, cfg.DataAPIURL, cfg.CLOBAPIURL)
	ws := polymarket.NewWSClient(cfg.WSURL)

	eng := engine.New(cfg, engine.Deps{
		Venue:     venue,
		WS:        ws,
		Ledger:    led,
		Blacklist: blacklist,
		Settings:  tradeSettings,
		Audit:     auditLog,
		DB:        db,
	})

	// ====== TELEGRAM BOT ======

	telegramBot, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, eng)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram bot unavailable, continuing without it")
	}
	if telegramBot != nil {
		eng.SetNotifier(telegramBot)
		telegramBot.Start()
	}

	// ====== DASHBOARD ======

	profileName, err := venue.GetUserProfile(ctx, cfg.ProfileAddress)
	if err != nil {
		log.Debug().Err(err).Msg("Profile lookup failed, using address")
	}
	dash := dashboard.New(cfg.DashboardAddr, eng, led, dashboard.Profile{
		Address: cfg.ProfileAddress,
		Name:    profileName,
	})
	go func() {
		if err := dash.Start(); err != nil {
			log.Error().Err(err).Msg("Dashboard server failed")
		}
	}()

	// ====== ENGINE ======

	if cfg.AutoStart {
		eng.Start(ctx)
	} else {
		log.Info().Msg("⏸️ AUTO_START=false, engine idle until toggled")
	}

	log.Info().Msg("✅ All systems online")
	log.Info().Msgf("🖥️ Dashboard on %s, mirroring %s", cfg.DashboardAddr, cfg.ProfileAddress)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	log.Info().Msg("Shutting down...")
	auditLog.Event(audit.Shutdown, "shutdown requested")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	eng.Stop()
	ws.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := dash.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Dashboard shutdown failed")
	}

	if err := led.Save(); err != nil {
		log.Error().Err(err).Msg("Final ledger save failed")
	}
	auditLog.Close()

	log.Info().Msg("👋 Goodbye!")
}
