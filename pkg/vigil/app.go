package vigil

import (
	"context"
	"fmt"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// App wires the whole system together: storage, the primary bot channel, the
// shadow connection manager and the periodic jobs.
type App struct {
	cfg        *Config
	configPath string
	log        zerolog.Logger

	db         *dbutil.Database
	store      *Store
	api        *tgbotapi.BotAPI
	notifier   Notifier
	manager    *Manager
	observer   *Observer
	reconciler *Reconciler
	bot        *Bot
}

// NewApp builds the full object graph from the config at configPath. Nothing
// is started yet; Run does that.
func NewApp(configPath string, log zerolog.Logger) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", cfg.DatabasePath), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "vigil").Logger())

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to authenticate bot: %w", err)
	}

	app := &App{
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		db:         db,
		store:      NewStore(db),
		api:        api,
	}
	app.notifier = newTelegramNotifier(api, cfg.Notify, log)
	app.manager = NewManager(app.store, app.notifier, newShadowDialer(cfg, log), log)
	app.observer = NewObserver(app.store, app.notifier, api.Self.ID, log)
	app.manager.SetObserver(messageHandlers{
		onMessage: app.observer.HandleMessage,
		onEdit:    app.observer.HandleEdit,
	})
	app.reconciler = NewReconciler(app.store, app.manager, app.notifier, cfg.Reconcile, log)
	app.bot = NewBot(api, app.store, app.manager, app.notifier, log)
	return app, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.log.Info().
		Str("bot_username", a.api.Self.UserName).
		Str("database", a.cfg.DatabasePath).
		Msg("Starting up")

	a.manager.ReplayStoredSessions(ctx)

	go a.reconciler.Run(ctx)
	go a.reconciler.RunRetention(ctx, a.cfg.Retention)
	go func() {
		if err := WatchConfig(ctx, a.configPath, a.log); err != nil {
			a.log.Warn().Err(err).Msg("Config watcher failed to start")
		}
	}()

	a.bot.Run(ctx)

	a.log.Info().Msg("Shutting down")
	a.reconciler.Stop()
	a.manager.StopAll()
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close database cleanly")
	}
	return nil
}
