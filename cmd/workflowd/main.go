package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"
	"github.com/tendant/simple-idm-workflow/pkg/client"
	"github.com/tendant/simple-idm-workflow/pkg/config"
	"github.com/tendant/simple-idm-workflow/pkg/engine"
	"github.com/tendant/simple-idm-workflow/pkg/event"
	"github.com/tendant/simple-idm-workflow/pkg/metrics"
	"github.com/tendant/simple-idm-workflow/pkg/notification"
	"github.com/tendant/simple-idm-workflow/pkg/user"
	"github.com/tendant/simple-idm-workflow/pkg/userrequest"
	userrequestapi "github.com/tendant/simple-idm-workflow/pkg/userrequest/api"
	"github.com/tendant/simple-idm-workflow/pkg/workflow"
	workflowapi "github.com/tendant/simple-idm-workflow/pkg/workflow/api"
	"github.com/tendant/simple-idm-workflow/pkg/workflow/delegate"
)

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() {
	envFile := ".env"
	if execPath, err := os.Executable(); err == nil {
		if candidate := filepath.Join(filepath.Dir(execPath), ".env"); fileExists(candidate) {
			envFile = candidate
		}
	}
	if !fileExists(envFile) {
		slog.Debug("No .env file found (using environment variables or defaults)")
		return
	}

	slog.Info("Loading configuration from .env file", "path", envFile)
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func newUserRepository(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder) (user.UserRepository, error) {
	repoConfig := user.RepositoryConfig{DataDir: cfg.Workflow.DataDir}
	if cfg.Workflow.Persistence == config.PersistencePostgres {
		if err := user.Migrate(ctx, cfg.Database.ToDatabaseURL()); err != nil {
			return nil, err
		}
		dbConfig := cfg.Database.ToDbConfig()
		pool, err := dbutils.NewDbPool(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
			return nil, err
		}
		if p, ok := any(pool).(*pgxpool.Pool); ok {
			recorder.RegisterPgxPool(p)
		}
		repoConfig.DB = pool
	}
	return user.NewUserRepository(cfg.Workflow.Persistence, repoConfig)
}

func newNotifier(cfg *config.Config) (delegate.Sender, error) {
	if !cfg.Email.Enabled {
		slog.Info("E-mail notifications disabled")
		return nil, nil
	}
	return notification.NewNotificationManagerWithOptions(
		cfg.Workflow.BaseURL,
		notification.WithSMTP(cfg.Email.ToSMTPConfig()),
		notification.WithDefaultTemplates(),
	)
}

func newPublisher(cfg *config.Config, recorder *metrics.Recorder, bus *event.Bus) (event.Publisher, func(), error) {
	publishers := event.Multi{event.LogPublisher{}, recorder, bus}
	if !cfg.NATS.Enabled {
		return publishers, func() {}, nil
	}
	conn, err := event.ConnectNATS(cfg.NATS.ToEventConfig())
	if err != nil {
		return nil, nil, err
	}
	publishers = append(publishers, event.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix))
	return publishers, func() {
		if err := conn.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	loadEnvFile()

	cfg := config.Config{}
	if err := config.Load(&cfg); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	recorder := metrics.NewRecorder()
	users, err := newUserRepository(ctx, &cfg, recorder)
	if err != nil {
		slog.Error("Failed to create user repository", "persistence", cfg.Workflow.Persistence, "error", err)
		os.Exit(1)
	}

	sender, err := newNotifier(&cfg)
	if err != nil {
		slog.Error("Failed to create notification manager", "error", err)
		os.Exit(1)
	}
	tokenTTL, err := cfg.Workflow.ParseTokenTTL()
	if err != nil {
		slog.Error("Invalid token TTL", "error", err)
		os.Exit(1)
	}

	binder := user.NewDataBinder()
	e := engine.NewInMemoryEngine(
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithDelegates(delegate.Delegates(delegate.Config{
			Binder:        binder,
			PolicyChecker: user.NewDefaultPasswordPolicyChecker(cfg.Password.ToPasswordPolicy(), nil),
			Sender:        sender,
			TokenTTL:      tokenTTL,
		})),
	)
	recorder.RegisterEngine(e)

	definitions := workflow.NewDefinitions(e)
	var resource []byte
	if cfg.Workflow.DefinitionFile != "" {
		if resource, err = os.ReadFile(cfg.Workflow.DefinitionFile); err != nil {
			slog.Error("Failed to read user workflow definition", "path", cfg.Workflow.DefinitionFile, "error", err)
			os.Exit(1)
		}
	}
	if err := definitions.DeployDefault(ctx, resource); err != nil {
		slog.Error("Failed to deploy user workflow", "error", err)
		os.Exit(1)
	}

	cipher, err := workflow.NewPasswordCipher(cfg.Workflow.EncryptionKey)
	if err != nil {
		slog.Error("Failed to create password cipher", "error", err)
		os.Exit(1)
	}
	runtime := workflow.NewRuntime(e, binder, cipher)

	bus := event.NewBus()
	publisher, closePublisher, err := newPublisher(&cfg, recorder, bus)
	if err != nil {
		slog.Error("Failed to create event publisher", "error", err)
		os.Exit(1)
	}
	defer closePublisher()

	adapter := workflow.NewUserWorkflowAdapter(runtime, users, binder, publisher, cfg.Workflow.Domain)
	handler := userrequest.NewHandler(runtime, users, binder, publisher, cfg.Workflow.Domain, cfg.Workflow.AdminUser)
	bus.Subscribe(handler.CancelByUser, event.Delete)

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)
	setupRoutes(server.R, &cfg, recorder, definitions, adapter, handler, binder)

	slog.Info("Workflow service ready",
		"domain", cfg.Workflow.Domain,
		"persistence", cfg.Workflow.Persistence,
		"userRequests", cfg.Prefix.UserRequests,
		"workflow", cfg.Prefix.Workflow,
		"nats", cfg.NATS.Enabled,
	)
	server.Run()
}

func setupRoutes(
	r *chi.Mux,
	cfg *config.Config,
	recorder *metrics.Recorder,
	definitions *workflow.Definitions,
	adapter *workflow.UserWorkflowAdapter,
	handler *userrequest.Handler,
	binder *user.DataBinder,
) {
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, recorder.Handler())
	}

	tokenAuth := jwtauth.New(cfg.JWT.Algorithm, []byte(cfg.JWT.Secret), nil)

	r.Group(func(r chi.Router) {
		r.Use(recorder.Middleware)
		r.Use(client.Verifier(tokenAuth))
		r.Use(jwtauth.Authenticator(tokenAuth))
		r.Use(client.AuthUserMiddleware)

		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			authUser, _ := client.AuthUserFrom(r.Context())
			render.JSON(w, r, authUser)
		})

		r.Mount(cfg.Prefix.UserRequests, userrequestapi.Handler(userrequestapi.NewHandle(handler, binder)))

		r.Group(func(r chi.Router) {
			r.Use(client.RequireAdmin(cfg.Workflow.AdminUser, cfg.Workflow.Roles()...))
			r.Mount(cfg.Prefix.Workflow, workflowapi.Handler(workflowapi.NewHandle(definitions, adapter, binder)))
		})
	})
}
