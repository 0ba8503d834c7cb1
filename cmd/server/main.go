package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"

	"github.com/guardline/dlp/internal/actions"
	"github.com/guardline/dlp/internal/api"
	"github.com/guardline/dlp/internal/audit"
	"github.com/guardline/dlp/internal/auth"
	"github.com/guardline/dlp/internal/classifier"
	"github.com/guardline/dlp/internal/config"
	"github.com/guardline/dlp/internal/cursor"
	"github.com/guardline/dlp/internal/notifications"
	"github.com/guardline/dlp/internal/pipeline"
	"github.com/guardline/dlp/internal/policy"
	"github.com/guardline/dlp/internal/poller"
	"github.com/guardline/dlp/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	var cursors cursor.Store
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, dedup and cursors are in-memory only", "error", err)
		cursors = cursor.NewMemoryStore(cfg.Pipeline.SeenWindow)
	} else {
		cursors = cursor.NewRedisStore(redisClient, cfg.Pipeline.SeenWindow)
	}

	notifier := notifications.NewService(cfg.Notifications, logger)

	var cipher *actions.Cipher
	if cfg.Encryption.Secret != "" {
		cipher, err = actions.NewCipher(cfg.Encryption.Algorithm, cfg.Encryption.KeyRef, cfg.Encryption.Secret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("encryption.secret not set, encrypt actions will fail")
	}

	var auditTrail *audit.Trail
	if cfg.Audit.S3.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Audit.S3.Region))
		if err != nil {
			return err
		}
		auditTrail = audit.NewTrail(st.DB(), s3.NewFromConfig(awsCfg), cfg.Audit.S3.Bucket, cfg.Audit.S3.Prefix, logger)
	} else {
		auditTrail = audit.NewTrail(st.DB(), nil, "", "", logger)
	}

	executor := actions.NewExecutor(st, auditTrail, notifier, cipher, cfg.Pipeline.ActionTimeout, logger)
	cls := classifier.New(classifier.Config{MaxContentBytes: cfg.Classifier.MaxContentBytes})

	pipe := pipeline.New(pipeline.Config{
		Workers:    cfg.Pipeline.Workers,
		QueueDepth: cfg.Pipeline.QueueDepth,
	}, cls, executor, cursors, st, logger)

	reloadPolicies := func() {
		policies, err := st.ListEnabledPolicies(ctx)
		if err != nil {
			logger.Error("policy reload failed", "error", err)
			return
		}
		snap := policy.Build(policies, logger)
		if current := pipe.Snapshot(); current != nil && current.Version == snap.Version {
			return
		}
		pipe.UpdatePolicies(snap)
		logger.Info("policy snapshot updated", "version", snap.Version, "policies", snap.Len())
	}
	reloadPolicies()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Policies.ReloadSchedule, reloadPolicies); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		if n, err := auditTrail.ArchiveExpired(ctx); err != nil {
			logger.Error("audit archive failed", "error", err)
		} else if n > 0 {
			logger.Info("audit archive complete", "records", n)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	pipe.Start(ctx)
	defer pipe.Shutdown()

	poll := poller.New(poller.Config{
		Schedule: cfg.Polling.Schedule,
		PageSize: cfg.Polling.PageSize,
	}, cursors, pipe, logger)
	registerProviders(ctx, cfg, poll, logger)
	if err := poll.Start(ctx); err != nil {
		return err
	}
	defer poll.Stop()

	credStore := auth.NewPostgresCredentialStore(st.DB())
	authService := auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, credStore)

	server := api.NewServer(cfg, st, pipe, authService, api.WithLogger(logger))
	return server.Run(ctx)
}

func registerProviders(ctx context.Context, cfg *config.Config, poll *poller.Poller, logger *slog.Logger) {
	for _, conn := range cfg.Connections.GoogleDrive {
		oc := &oauth2.Config{
			ClientID:     conn.ClientID,
			ClientSecret: conn.ClientSecret,
			Endpoint:     google.Endpoint,
		}
		tokens := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
		provider, err := poller.NewDriveProvider(ctx, poller.DriveConnection{
			ID:         conn.ID,
			FolderID:   conn.FolderID,
			FolderPath: conn.FolderPath,
		}, tokens)
		if err != nil {
			logger.Error("drive connection skipped", "connection", conn.ID, "error", err)
			continue
		}
		poll.Register(provider)
		logger.Info("drive connection registered", "connection", conn.ID, "folder", conn.FolderPath)
	}

	for _, conn := range cfg.Connections.Graph {
		cc := &clientcredentials.Config{
			ClientID:     conn.ClientID,
			ClientSecret: conn.ClientSecret,
			TokenURL:     "https://login.microsoftonline.com/" + conn.TenantID + "/oauth2/v2.0/token",
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		tokens := cc.TokenSource(ctx)
		tokenFn := func(ctx context.Context) (string, error) {
			tok, err := tokens.Token()
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		}
		client := &http.Client{Timeout: cfg.Polling.HTTPTimeout}
		poll.Register(poller.NewGraphProvider(poller.GraphConnection{
			ID:      conn.ID,
			DriveID: conn.DriveID,
		}, client, tokenFn))
		logger.Info("graph connection registered", "connection", conn.ID, "drive", conn.DriveID)
	}
}
