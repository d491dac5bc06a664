package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/formgate/formgate/internal/api"
	"github.com/formgate/formgate/internal/auditlog"
	"github.com/formgate/formgate/internal/captcha"
	"github.com/formgate/formgate/internal/cluster"
	"github.com/formgate/formgate/internal/config"
	"github.com/formgate/formgate/internal/configstore"
	"github.com/formgate/formgate/internal/counter"
	"github.com/formgate/formgate/internal/detector"
	"github.com/formgate/formgate/internal/geoip"
	"github.com/formgate/formgate/internal/kvstore"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/model"
	"github.com/formgate/formgate/internal/pipeline"
	"github.com/formgate/formgate/internal/reputation"
	"github.com/formgate/formgate/internal/resolver"
	"github.com/formgate/formgate/internal/ssrf"
	"github.com/formgate/formgate/internal/webhook"
)

const startupTimeout = 30 * time.Second

type formgateApp struct {
	envCfg *config.EnvConfig

	kv           kvstore.KV
	metrics      *metrics.Metrics
	configClient *configstore.Client
	coordinator  *cluster.Coordinator
	counterStore *counter.Store
	replicator   *counter.Replicator
	geoSvc       *geoip.Service
	auditRepo    *auditlog.Repo
	auditSvc     *auditlog.Service
	webhookQueue *webhook.Queue
	apiSrv       *api.Server

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Printf("warning: FORMGATE_ADMIN_TOKEN is weak, use a long random value")
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	kv, closeKV, err := openKV(ctx, envCfg)
	if err != nil {
		cancel()
		return err
	}

	app, err := newFormgateApp(ctx, envCfg, kv)
	cancel()
	if err != nil {
		closeKV()
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(shutdownCtx)
	closeKV()

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

// openKV connects to the shared store, or falls back to the in-process
// store when no Redis URL is configured (single-instance mode).
func openKV(ctx context.Context, envCfg *config.EnvConfig) (kvstore.KV, func(), error) {
	if envCfg.RedisURL == "" {
		log.Println("[main] no FORMGATE_REDIS_URL, running single-instance with in-memory store")
		return kvstore.NewMemoryKV(), func() {}, nil
	}
	kv, err := kvstore.NewRedisKV(ctx, envCfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect shared store: %w", err)
	}
	return kv, func() {
		if err := kv.Close(); err != nil {
			log.Printf("[main] close shared store: %v", err)
		}
	}, nil
}

func newFormgateApp(ctx context.Context, envCfg *config.EnvConfig, kv kvstore.KV) (*formgateApp, error) {
	app := &formgateApp{
		envCfg:  envCfg,
		kv:      kv,
		metrics: metrics.New(),
		stopCh:  make(chan struct{}),
	}

	if err := app.initConfigStore(ctx); err != nil {
		return nil, err
	}
	app.initCluster()
	app.initCounters()
	app.initGeoIP()
	if err := app.initAuditLog(); err != nil {
		return nil, err
	}
	app.initWebhooks()

	pipe, err := app.buildPipeline()
	if err != nil {
		return nil, err
	}
	app.registerDuties()
	app.buildAPIServer(pipe)
	return app, nil
}

func (a *formgateApp) initConfigStore(ctx context.Context) error {
	a.configClient = configstore.New(configstore.Config{
		KV:           a.kv,
		SyncInterval: a.envCfg.ConfigSyncInterval,
		SyncJitter:   a.envCfg.ConfigSyncJitter,
	})
	if err := a.configClient.SeedDefaults(ctx); err != nil {
		return err
	}

	err := a.configClient.Start(ctx)
	if errors.Is(err, resolver.ErrNoDefaultVHost) {
		// Fresh store: install a catch-all so the engine can serve before
		// the operator configures anything.
		log.Println("[main] no default virtual host, seeding catch-all")
		if err := a.configClient.PutVirtualHost(ctx, model.VirtualHost{
			ID:      "default",
			Enabled: true,
			Default: true,
		}); err != nil {
			return err
		}
		err = a.configClient.Start(ctx)
	}
	return err
}

func (a *formgateApp) initCluster() {
	advertise := a.envCfg.AdvertiseAddress
	if advertise == "" {
		advertise = net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.Port))
		log.Printf("[main] FORMGATE_ADVERTISE_ADDRESS not set, advertising %s to peers", advertise)
	}
	a.coordinator = cluster.NewCoordinator(cluster.Config{
		KV:                a.kv,
		ID:                a.envCfg.InstanceID,
		Address:           advertise,
		Workers:           runtime.GOMAXPROCS(0),
		HeartbeatInterval: a.envCfg.HeartbeatInterval,
		LeaseTTL:          a.envCfg.LeaseTTL,
		DutyInterval:      a.envCfg.DutyInterval,
	})
}

func (a *formgateApp) initCounters() {
	transport := counter.NewHTTPTransport(a.envCfg.ClusterToken, 0)
	a.replicator = counter.NewReplicator(counter.ReplicatorConfig{
		Peers: func() []string {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.coordinator.PeerAddresses(ctx)
		},
		Transport:     transport,
		QueueSize:     a.envCfg.ReplicationQueueSize,
		FlushBatch:    a.envCfg.ReplicationFlushBatch,
		FlushInterval: a.envCfg.ReplicationFlushInterval,
	})
	a.counterStore = counter.NewStore(counter.Config{
		Origin: a.coordinator.ID(),
		Grace:  a.envCfg.CounterGrace,
		Sink:   a.replicator,
	})
}

func (a *formgateApp) initGeoIP() {
	a.geoSvc = geoip.NewService(geoip.ServiceConfig{
		CountryDBPath:  a.envCfg.GeoIPCountryDB,
		ASNDBPath:      a.envCfg.GeoIPASNDB,
		ReloadSchedule: a.envCfg.GeoIPReloadSchedule,
	})
}

func (a *formgateApp) initAuditLog() error {
	a.auditRepo = auditlog.NewRepo(
		a.envCfg.LogDir,
		int64(a.envCfg.AuditDBMaxMB)*1024*1024,
		a.envCfg.AuditDBRetainCount,
	)
	if err := a.auditRepo.Open(); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.auditSvc = auditlog.NewService(auditlog.ServiceConfig{
		Repo:          a.auditRepo,
		QueueSize:     a.envCfg.AuditQueueSize,
		FlushBatch:    a.envCfg.AuditFlushBatchSize,
		FlushInterval: a.envCfg.AuditFlushInterval,
	})
	return nil
}

func (a *formgateApp) initWebhooks() {
	guard := ssrf.NewGuard(ssrf.Config{
		AllowHosts:   a.envCfg.WebhookAllowHosts,
		BlockedHosts: a.envCfg.WebhookBlockedHosts,
	})
	sender := webhook.NewHTTPSender(guard, a.envCfg.WebhookTimeout)
	a.webhookQueue = webhook.NewQueue(a.kv, sender)
}

func (a *formgateApp) buildPipeline() (*pipeline.Pipeline, error) {
	disposable, err := detector.NewDisposableEmail(a.envCfg.ExtraDisposableDomains)
	if err != nil {
		return nil, fmt.Errorf("build disposable email detector: %w", err)
	}

	var remote reputation.Provider
	if a.envCfg.ReputationURL != "" {
		remote = reputation.NewHTTPProvider(a.envCfg.ReputationURL, a.envCfg.ReputationAPIKey, nil)
	}
	repSvc := reputation.NewService(reputation.ServiceConfig{
		Remote:        remote,
		RemoteTimeout: a.envCfg.ReputationTimeout,
	})
	// The local blocklist is authoritative even when the remote provider
	// is down or unconfigured.
	repSvc.SetBlocklist(a.envCfg.ReputationBlocklist)

	issuer := a.tokenIssuer()
	detectors := []detector.Detector{
		detector.Keyword{},
		detector.Honeypot{},
		detector.FieldAnomaly{},
		detector.Links{},
		detector.IPRate{},
		detector.FingerprintRate{},
		detector.DigestBlocklist{},
		detector.NewTiming(issuer),
		disposable,
		detector.NewReputation(repSvc),
		detector.NewGeo(a.geoSvc, a.envCfg.GeoBlockedCountries),
	}

	var verifier captcha.Verifier
	if a.envCfg.CaptchaVerifyURL != "" {
		verifier = captcha.NewHTTPVerifier(a.envCfg.CaptchaVerifyURL, a.envCfg.CaptchaSecret, nil, a.envCfg.CaptchaTimeout)
	}

	return pipeline.New(pipeline.Config{
		Snapshots: a.configClient,
		Counters:  a.counterStore,
		Detectors: detectors,
		Verifier:  verifier,
		Audit:     a.auditSvc,
		Webhooks:  a.webhookQueue,
		Geo:       a.geoSvc,
		Metrics:   a.metrics,
	}), nil
}

func (a *formgateApp) tokenIssuer() *detector.TokenIssuer {
	return detector.NewTokenIssuer([]byte(a.envCfg.FormTokenSecret))
}

func (a *formgateApp) registerDuties() {
	a.coordinator.AddDuty(cluster.Duty{
		Name: "config-resync",
		Run:  a.configClient.ForceSync,
	})
	a.coordinator.AddDuty(a.webhookQueue.FlushDuty())
}

func (a *formgateApp) buildAPIServer(pipe *pipeline.Pipeline) {
	a.apiSrv = api.NewServer(api.ServerConfig{
		ListenAddr:   net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.Port)),
		AdminToken:   a.envCfg.AdminToken,
		ClusterToken: a.envCfg.ClusterToken,
		MaxBodyBytes: int64(a.envCfg.APIMaxBodyBytes),
		Debug:        a.envCfg.Debug,
		Pipeline:     pipe,
		Issuer:       a.tokenIssuer(),
		Snapshots:    a.configClient,
		ConfigStore:  a.configClient,
		AuditRepo:    a.auditRepo,
		Coordinator:  a.coordinator,
		Counters:     a.counterStore,
		Metrics:      a.metrics,
	})
}

// start launches background services and the API server. The returned
// channel yields at most one fatal server error.
func (a *formgateApp) start() <-chan error {
	a.auditSvc.Start()
	a.replicator.Start()
	if err := a.geoSvc.Start(); err != nil {
		log.Printf("[main] geoip start: %v", err)
	}
	if err := a.coordinator.Start(context.Background()); err != nil {
		log.Printf("[main] cluster registration failed, continuing standalone: %v", err)
	}

	a.wg.Add(1)
	go a.housekeepingLoop()

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[main] api server listening on %s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()
	return serverErrCh
}

// housekeepingLoop sweeps expired counter windows and refreshes the
// cluster gauges. Runs on every instance, not just the leader.
func (a *formgateApp) housekeepingLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}

		if dropped := a.counterStore.Sweep(); dropped > 0 {
			log.Printf("[main] swept %d expired counter windows", dropped)
		}
		a.metrics.CounterStoreSize.Set(float64(a.counterStore.Size()))

		if a.coordinator.IsLeader() {
			a.metrics.LeaderGauge.Set(1)
		} else {
			a.metrics.LeaderGauge.Set(0)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if instances, err := a.coordinator.Instances(ctx); err == nil {
			a.metrics.KnownPeers.Set(float64(len(instances)))
		}
		cancel()
	}
}

// shutdown stops services in reverse dependency order: stop accepting
// requests first, then drain the write paths.
func (a *formgateApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}
	close(a.stopCh)
	a.wg.Wait()

	a.coordinator.Stop()
	a.replicator.Stop()
	a.configClient.Stop()
	a.geoSvc.Stop()
	a.auditSvc.Stop()
	if err := a.auditRepo.Close(); err != nil {
		log.Printf("[main] audit repo close: %v", err)
	}
	log.Println("[main] shutdown complete")
}
