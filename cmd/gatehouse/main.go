package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatehouse/pkg/api"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/policy"
	"github.com/platinummonkey/gatehouse/pkg/replay"
	"github.com/platinummonkey/gatehouse/pkg/saml"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/sso"
)

// version is injected at build time
var version = "dev"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracing")
	}

	idpSSOURL, idpIssuer, idpCerts := loadIdPTrust(ctx, log, cfg)

	stores := buildStores(log, cfg)

	sessions, err := session.NewManager(stores.sessionStore, cfg.Sessions.SessionTTL)
	if err != nil {
		log.WithError(err).Fatal("failed to create session manager")
	}

	validator, err := saml.NewValidator(saml.ValidatorConfig{
		IdPIssuer:       idpIssuer,
		SPEntityID:      cfg.SAML.SPEntityID,
		IdPCertificates: idpCerts,
		ClockSkew:       cfg.SAML.ClockSkew,
	}, stores.replayCache)
	if err != nil {
		log.WithError(err).Fatal("failed to create assertion validator")
	}

	roleMapping := saml.RoleMapping{}
	if cfg.RoleMappingFile != "" {
		roleMapping, err = saml.LoadRoleMapping(cfg.RoleMappingFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load role mapping")
		}
	}

	pathPolicy := policy.Default()
	if cfg.PolicyFile != "" {
		pathPolicy, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load path policy")
		}
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	flow, err := sso.NewFlow(sso.FlowConfig{
		Provider: sso.Config{
			SPEntityID:      cfg.SAML.SPEntityID,
			BaseURL:         cfg.SAML.BaseURL,
			ACSPath:         cfg.SAML.ACSPath,
			IdPSSOURL:       idpSSOURL,
			IdPIssuer:       idpIssuer,
			IdPCertificates: idpCerts,
			SignRequests:    cfg.SAML.SignRequests,
			SPKeyStore:      loadSPKeyStore(log, cfg),
		},
		Validator:     validator,
		Extractor:     saml.NewExtractor(roleMapping),
		Sessions:      sessions,
		Relay:         stores.relayStore,
		RelayTTL:      cfg.Sessions.RelayStateTTL,
		FallbackURL:   cfg.Sessions.FallbackURL,
		PostLogoutURL: cfg.Sessions.PostLogoutURL,
		SecureCookies: cfg.Sessions.SecureCookies,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create SSO flow")
	}

	gate := middleware.NewGate(pathPolicy, sessions, flow, logger)

	appServer := api.NewServer(api.ServerConfig{
		Addr:          cfg.Server.ListenAddr,
		Flow:          flow,
		Gate:          gate,
		Handlers:      api.NewHandlers(logger),
		Metrics:       metrics,
		Logger:        logger,
		EnableTracing: cfg.Observability.OTelEnabled,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
	})

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(stores.db, stores.redisClient))
	healthMux.Handle("/metrics", metrics.Handler())
	healthServer := &http.Server{
		Addr:    cfg.Server.HealthAddr,
		Handler: healthMux,
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		swept, serr := sessions.Sweep(sweepCtx)
		if serr != nil {
			logger.WithError(serr).Warn("session sweep failed")
		} else if swept > 0 {
			metrics.SessionsSweptTotal.Add(float64(swept))
			logger.WithField("count", swept).Debug("swept expired sessions")
		}

		// Rebase the gauge from the store so backend-side expiry (Redis
		// key TTLs) cannot make it drift
		if active, aerr := sessions.Active(sweepCtx); aerr != nil {
			logger.WithError(aerr).Warn("session count failed")
		} else {
			metrics.SessionsActive.Set(float64(active))
		}

		if stores.memRelay != nil {
			stores.memRelay.Sweep()
		}
		if stores.memReplay != nil {
			stores.memReplay.Sweep()
		}
	})
	if err != nil {
		log.WithError(err).Fatal("invalid sweep schedule")
	}
	sweeper.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout,
		appServer.HTTPServer(), healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		sweeper.Stop()
		return nil
	})
	if tp != nil {
		shutdown.RegisterShutdownFunc(tp.Shutdown)
	}
	if stores.redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return stores.redisClient.Close()
		})
	}
	if stores.db != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return stores.db.Close()
		})
	}

	log.WithFields(logrus.Fields{
		"version":     version,
		"listen_addr": cfg.Server.ListenAddr,
		"health_addr": cfg.Server.HealthAddr,
		"backend":     cfg.Stores.Backend,
	}).Info("starting gatehouse")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serr := appServer.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
		return nil
	})
	g.Go(func() error {
		if serr := healthServer.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
		return nil
	})
	g.Go(shutdown.WaitForShutdown)

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("gatehouse exited with error")
	}
	log.Info("gatehouse stopped")
}

// loadIdPTrust resolves the IdP peering either from its metadata document
// or from the explicitly configured SSO URL, issuer and certificate file
func loadIdPTrust(ctx context.Context, log *logrus.Logger, cfg *config.Config) (ssoURL, issuer string, certs []*x509.Certificate) {
	if cfg.SAML.IdPMetadataURL != "" {
		md, err := saml.FetchIdPMetadata(ctx, cfg.SAML.IdPMetadataURL, cfg.SAML.MetadataTimeout)
		if err != nil {
			log.WithError(err).Fatal("failed to fetch IdP metadata")
		}
		return md.SSOURL, md.EntityID, md.Certificates
	}

	pemData, err := os.ReadFile(cfg.SAML.IdPCertificateFile)
	if err != nil {
		log.WithError(err).Fatal("failed to read IdP certificate")
	}
	cert, err := saml.ParseCertificatePEM(pemData)
	if err != nil {
		log.WithError(err).Fatal("failed to parse IdP certificate")
	}
	return cfg.SAML.IdPSSOURL, cfg.SAML.IdPIssuer, []*x509.Certificate{cert}
}

func loadSPKeyStore(log *logrus.Logger, cfg *config.Config) dsig.X509KeyStore {
	if cfg.SAML.SPCertificateFile == "" || cfg.SAML.SPKeyFile == "" {
		return nil
	}
	certPEM, err := os.ReadFile(cfg.SAML.SPCertificateFile)
	if err != nil {
		log.WithError(err).Fatal("failed to read SP certificate")
	}
	keyPEM, err := os.ReadFile(cfg.SAML.SPKeyFile)
	if err != nil {
		log.WithError(err).Fatal("failed to read SP private key")
	}
	keyStore, err := sso.ParseKeyStorePEM(certPEM, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("failed to parse SP key pair")
	}
	return keyStore
}

// appStores bundles the backend-specific store wiring
type appStores struct {
	sessionStore session.Store
	relayStore   session.RelayStore
	replayCache  replay.Cache

	redisClient *redis.Client
	db          *sql.DB

	// memory impls kept for the periodic sweep
	memRelay  *session.MemoryRelayStore
	memReplay *replay.MemoryCache
}

func buildStores(log *logrus.Logger, cfg *config.Config) *appStores {
	stores := &appStores{}

	switch cfg.Stores.Backend {
	case "redis":
		stores.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Stores.RedisAddr,
			Password: cfg.Stores.RedisPassword,
			DB:       cfg.Stores.RedisDB,
		})
		stores.sessionStore = session.NewRedisStore(stores.redisClient)
		stores.relayStore = session.NewRedisRelayStore(stores.redisClient)
		stores.replayCache = replay.NewRedisCache(stores.redisClient)

	case "postgres":
		db, err := sql.Open("postgres", cfg.Stores.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to open postgres connection")
		}
		if err := db.Ping(); err != nil {
			log.WithError(err).Fatal("failed to reach postgres")
		}
		stores.db = db
		stores.sessionStore = session.NewPostgresStore(db)
		stores.relayStore = newMemoryRelay(stores)
		stores.replayCache = newMemoryReplay(log, stores, cfg)

	default: // memory
		stores.sessionStore = session.NewMemoryStore()
		stores.relayStore = newMemoryRelay(stores)
		stores.replayCache = newMemoryReplay(log, stores, cfg)
	}

	return stores
}

func newMemoryRelay(stores *appStores) session.RelayStore {
	stores.memRelay = session.NewMemoryRelayStore()
	return stores.memRelay
}

func newMemoryReplay(log *logrus.Logger, stores *appStores, cfg *config.Config) replay.Cache {
	cache, err := replay.NewMemoryCache(cfg.Stores.ReplayCacheSize)
	if err != nil {
		log.WithError(err).Fatal("failed to create replay cache")
	}
	stores.memReplay = cache
	return cache
}
