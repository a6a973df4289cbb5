package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/marketlink/connect-console/internal/api"
	"github.com/marketlink/connect-console/internal/api/console"
	"github.com/marketlink/connect-console/internal/audit"
	"github.com/marketlink/connect-console/internal/config"
	"github.com/marketlink/connect-console/internal/connstore"
	"github.com/marketlink/connect-console/internal/crypto"
	"github.com/marketlink/connect-console/internal/db/repositories"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/oauthflow"
	"github.com/marketlink/connect-console/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

// stack holds the marketplace collaborators built from configuration.
type stack struct {
	deps    console.Deps
	store   api.Pinger
	counter telemetry.ConnectionCounter
	closers []func() error
}

func (s *stack) Close() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
}

// buildStack wires the connection store, token exchange and orchestrator. A
// misconfigured marketplace integration does not stop the server: the
// marketplace routes answer 503 with the reason while company and store
// management keeps working.
func buildStack(cfg *config.Config, sqlxDB *sqlx.DB) (*stack, error) {
	s := &stack{}

	cipher, err := loadTokenCipher()
	if err != nil {
		return nil, err
	}

	store, err := s.connectionStore(cfg, sqlxDB, cipher)
	if err != nil {
		return nil, err
	}
	s.store = store

	httpClient := &http.Client{Timeout: cfg.Marketplace.HTTPTimeout}
	client := marketplace.NewClient(cfg.Marketplace.APIURL, httpClient)

	var exchanger oauthflow.Exchanger
	proxy, err := marketplace.NewTokenProxy(marketplace.ProxyConfig{
		ClientID:     cfg.Marketplace.ClientID,
		ClientSecret: cfg.Marketplace.ClientSecret,
		AuthURL:      cfg.Marketplace.AuthURL,
		TokenURL:     cfg.Marketplace.TokenURL,
		HTTPClient:   httpClient,
	})
	if err != nil {
		slog.Warn("token exchange proxy disabled", "error", err)
	} else {
		s.deps.Proxy = proxy
		exchanger = proxy
	}
	if cfg.Marketplace.TokenProxyURL != "" {
		slog.Info("delegating code exchange to remote token proxy", "url", cfg.Marketplace.TokenProxyURL)
		exchanger = marketplace.NewRemoteExchanger(
			cfg.Marketplace.TokenProxyURL,
			cfg.Marketplace.ClientID,
			cfg.Marketplace.TokenProxyAuthToken,
			httpClient,
		)
	}

	orch, err := oauthflow.NewOrchestrator(oauthflow.Settings{
		ClientID:              cfg.Marketplace.ClientID,
		RedirectURI:           cfg.GetRedirectURI(),
		AuthURL:               cfg.Marketplace.AuthURL,
		RefreshOnUnauthorized: cfg.Marketplace.RefreshOnUnauthorized,
	}, store, exchanger, client)
	if err != nil {
		slog.Warn("marketplace integration disabled", "error", err)
		s.deps.FlowErr = err
	} else {
		s.deps.Flow = orch
	}

	recorder, err := s.auditRecorder(cfg.Audit)
	if err != nil {
		return nil, err
	}
	if recorder != nil {
		s.deps.Audit = recorder
	}

	s.deps.API = client
	s.deps.Companies = repositories.NewCompanyRepository(sqlxDB)
	s.deps.Stores = repositories.NewStoreRepository(sqlxDB)
	return s, nil
}

type connectionStore interface {
	oauthflow.Store
	api.Pinger
}

func (s *stack) connectionStore(cfg *config.Config, sqlxDB *sqlx.DB, cipher *crypto.TokenCipher) (connectionStore, error) {
	switch cfg.Connections.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("connection store: redis", "addr", cfg.Redis.Addr, "prefix", cfg.Connections.RedisKeyPrefix)
		return connstore.NewRedisStore(client, cfg.Connections.RedisKeyPrefix, cipher), nil

	case "memory":
		slog.Warn("connection store: memory; connections are lost on restart and not shared between replicas")
		return connstore.NewMemoryStore(), nil

	default:
		repo := repositories.NewConnectionRepository(sqlxDB, cipher)
		s.counter = repo
		slog.Info("connection store: postgres")
		return repo, nil
	}
}

// auditRecorder builds the connection audit log. It returns nil when auditing
// is disabled or no destination is enabled.
func (s *stack) auditRecorder(cfg config.AuditConfig) (*audit.Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	shipperConfigs := make([]audit.ShipperConfig, 0, len(cfg.Shippers))
	for _, sc := range cfg.Shippers {
		asc := audit.ShipperConfig{Enabled: sc.Enabled, Type: sc.Type}
		switch sc.Type {
		case "webhook":
			asc.Webhook = &audit.WebhookConfig{
				URL:           sc.Webhook.URL,
				Headers:       sc.Webhook.Headers,
				Timeout:       time.Duration(sc.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     sc.Webhook.BatchSize,
				FlushInterval: time.Duration(sc.Webhook.FlushInterval) * time.Second,
			}
		case "file":
			asc.File = &audit.FileConfig{
				Path:       sc.File.Path,
				MaxSizeMB:  sc.File.MaxSizeMB,
				MaxBackups: sc.File.MaxBackups,
			}
		}
		shipperConfigs = append(shipperConfigs, asc)
	}

	shipper, err := audit.NewMultiShipper(shipperConfigs)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	s.closers = append(s.closers, shipper.Close)
	if shipper.Len() == 0 {
		slog.Warn("audit logging enabled but no shipper is enabled")
		return nil, nil
	}
	slog.Info("audit logging enabled", "shippers", shipper.Len(), "log_failed_connections", cfg.LogFailedConnections)
	return audit.NewRecorder(shipper, cfg.LogFailedConnections), nil
}

// loadTokenCipher reads ENCRYPTION_KEY. Without it tokens are stored in plaintext.
func loadTokenCipher() (*crypto.TokenCipher, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Warn("ENCRYPTION_KEY is not set; marketplace tokens are stored unencrypted")
		return nil, nil
	}
	cipher, err := crypto.LoadTokenCipher(key, os.Getenv("ENCRYPTION_SALT"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}
	return cipher, nil
}
