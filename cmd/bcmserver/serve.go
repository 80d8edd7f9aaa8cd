package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	fcmsdk "firebase.google.com/go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bcmapp/bcm-server-sub002/internal/api"
	"github.com/bcmapp/bcm-server-sub002/internal/authtoken"
	"github.com/bcmapp/bcm-server-sub002/internal/config"
	"github.com/bcmapp/bcm-server-sub002/internal/dispatch"
	"github.com/bcmapp/bcm-server-sub002/internal/group"
	"github.com/bcmapp/bcm-server-sub002/internal/logging"
	"github.com/bcmapp/bcm-server-sub002/internal/metrics"
	"github.com/bcmapp/bcm-server-sub002/internal/offline"
	"github.com/bcmapp/bcm-server-sub002/internal/push"
	"github.com/bcmapp/bcm-server-sub002/internal/push/apns"
	"github.com/bcmapp/bcm-server-sub002/internal/push/fcm"
	"github.com/bcmapp/bcm-server-sub002/internal/push/providerconfig"
	"github.com/bcmapp/bcm-server-sub002/internal/push/tnpg"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
	"github.com/bcmapp/bcm-server-sub002/internal/store/sqlstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the dispatch/offline/push/group backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cfgFile)
	},
}

// runServe wires every subsystem together in dependency order: storage,
// then the partitioned Redis router, then dispatch/push/group/offline on
// top of it, finally the REST/WS surface. Grounded on the teacher's
// server/main.go wiring order (store, then hub, then topic/session
// machinery, then the listener), generalized onto this spec's components.
func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	db, err := sqlstore.Open(cfg.SQL.DSN)
	if err != nil {
		return fmt.Errorf("open sql store: %w", err)
	}
	defer db.Close()

	partitions := make([]redispart.PartitionConfig, 0, len(cfg.Redis.Partitions))
	for _, p := range cfg.Redis.Partitions {
		replicas := make([]redispart.ReplicaConfig, 0, len(p.Replicas))
		for _, r := range p.Replicas {
			replicas = append(replicas, redispart.ReplicaConfig{Addr: r.Addr, Password: r.Password, DB: r.DB})
		}
		partitions = append(partitions, redispart.PartitionConfig{Name: p.Name, Replicas: replicas})
	}
	redisRouter, err := redispart.New(partitions, cfg.Redis.VirtualNodes,
		cfg.Redis.ProbeInterval.Duration, cfg.Redis.SentinelTTL.Duration, cfg.Redis.ConnectTimeout.Duration)
	if err != nil {
		return fmt.Errorf("build redis router: %w", err)
	}
	redisRouter.StartProbing()
	defer redisRouter.Close()

	promReg := prometheus.NewRegistry()
	sink := metrics.NewSink(promReg)
	collector, err := metrics.NewCollector(metrics.CollectorConfig{
		ReportInterval:      time.Duration(cfg.Metrics.ReportIntervalMillis) * time.Millisecond,
		QueueCapacity:       cfg.Metrics.QueueCapacity,
		ClientID:            cfg.Metrics.ClientID,
		OutputDir:           cfg.Metrics.OutputDir,
		MaxFileSizeBytes:    cfg.Metrics.MaxFileSizeBytes,
		MaxFileCount:        cfg.Metrics.MaxFileCount,
		WriteThresholdBytes: cfg.Metrics.WriteThresholdBytes,
	}, log)
	if err != nil {
		return fmt.Errorf("start metrics collector: %w", err)
	}
	defer collector.Close()

	pushSvc, err := buildPushService(cfg, redisRouter, sink, log)
	if err != nil {
		return fmt.Errorf("build push service: %w", err)
	}
	defer pushSvc.Stop()

	relayClient := pickRelayClient(redisRouter)
	relay := dispatch.NewRedisRelay(relayClient, cfg.Dispatch.ReconnectBackoff.Duration, log)
	manager := dispatch.NewManager(relay, log)
	relay.SetManager(manager)
	defer manager.Shutdown(context.Background())
	defer relay.Close()

	broadcaster := group.NewBroadcaster()
	groupSvc := group.NewService(db, redisRouter, broadcaster, group.Config{
		MaxMessageBytes: cfg.Group.MaxMessageBytes,
		FetchPageLimit:  cfg.Group.FetchPageLimit,
	})

	orchestrator, err := offline.New(offline.Config{
		ScanInterval: cfg.Offline.ScanInterval.Duration,
		LeaseTTL:     cfg.Offline.LeaseTTL.Duration,
	}, redisRouter, pushSvc, log)
	if err != nil {
		return fmt.Errorf("build offline orchestrator: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start offline orchestrator: %w", err)
	}
	defer orchestrator.Stop(context.Background())

	hmacKey, err := hex.DecodeString(cfg.Auth.HMACKeyHex)
	if err != nil {
		return fmt.Errorf("decode auth.hmac_key_hex: %w", err)
	}
	issuer, err := authtoken.New(hmacKey, cfg.Auth.TokenSerial, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return fmt.Errorf("build authtoken issuer: %w", err)
	}

	challenges := api.NewChallengeStore(redisRouter, cfg.Auth.ChallengeTTL.Duration)

	engine := api.NewRouter(api.Deps{
		Accounts:          db,
		Challenges:        challenges,
		Issuer:            issuer,
		Group:             groupSvc,
		Broadcast:         broadcaster,
		Dispatch:          manager,
		Push:              pushSvc,
		Metrics:           collector,
		Log:               log,
		PowDifficulty:     cfg.Auth.PowDifficulty,
		KeepaliveInterval: cfg.Dispatch.KeepaliveInterval.Duration,
	})

	internalMux := http.NewServeMux()
	internalMux.Handle("/", api.NewOfflineMux(pushSvc, log))
	internalMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	publicSrv := &http.Server{Addr: cfg.Listen, Handler: engine}
	internalSrv := &http.Server{Addr: cfg.InternalListen, Handler: internalMux}

	errCh := make(chan error, 2)
	go func() { errCh <- publicSrv.ListenAndServe() }()
	go func() { errCh <- internalSrv.ListenAndServe() }()
	log.Info("bcmserver started", "listen", cfg.Listen, "internal_listen", cfg.InternalListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	publicSrv.Shutdown(shutdownCtx)
	internalSrv.Shutdown(shutdownCtx)
	return nil
}

// pickRelayClient picks the client for the dispatch cross-node relay's
// single pub/sub connection. Address-keyed channels are small and uniform
// cost regardless of shard, so the relay rides on the first configured
// partition rather than needing its own dedicated Redis section.
func pickRelayClient(redisRouter *redispart.Router) *redis.Client {
	names := redisRouter.Partitions()
	if len(names) == 0 {
		return nil
	}
	client, err := redisRouter.ClientFor(names[0])
	if err != nil {
		return nil
	}
	return client
}

// buildPushService wires whichever of apns/fcm/tnpg the provider registry
// file enables. An enabled provider whose credentials fail to load makes
// buildPushService return an error. A provider that is not enabled is absent
// from the sender set; push.SelectProvider does not fall back to another
// provider, so a target whose selected provider has no sender is skipped.
func buildPushService(cfg *config.Config, redisRouter *redispart.Router, sink *metrics.Sink, log *slog.Logger) (*push.Service, error) {
	var pcfg providerconfig.Config
	if cfg.PushProviderFile != "" {
		loaded, err := providerconfig.Load(cfg.PushProviderFile)
		if err != nil {
			return nil, err
		}
		pcfg = *loaded
	}

	var senders []push.Sender
	if pcfg.APNS.Enabled {
		cert, err := tls.LoadX509KeyPair(pcfg.APNS.CertFile, pcfg.APNS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load apns cert: %w", err)
		}
		client, err := apns.New(apns.Config{BundleID: pcfg.APNS.BundleID, Sandbox: pcfg.APNS.Sandbox, Cert: cert})
		if err != nil {
			return nil, fmt.Errorf("build apns client: %w", err)
		}
		senders = append(senders, client)
	}
	if pcfg.FCM.Enabled {
		app, err := fcmsdk.NewApp(context.Background(), &fcmsdk.Config{ProjectID: pcfg.FCM.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("build firebase app: %w", err)
		}
		msgClient, err := app.Messaging(context.Background())
		if err != nil {
			return nil, fmt.Errorf("build firebase messaging client: %w", err)
		}
		senders = append(senders, fcm.New(msgClient))
	}
	if pcfg.TNPG.Enabled {
		senders = append(senders, tnpg.New(tnpg.Config{
			Endpoint: pcfg.TNPG.Endpoint, OrgName: pcfg.TNPG.OrgName, AppSecret: pcfg.TNPG.AppSecret,
		}))
	}

	badges := push.NewRedisBadges(redisRouter)
	var qos *push.QoSManager
	if pcfg.QoS.MaxResendCount > 0 {
		qos = push.NewQoSManager(pcfg.QoS.MaxResendCount, time.Duration(pcfg.QoS.ResendDelayMilliSecs)*time.Millisecond)
	}
	return push.NewService(senders, badges, qos, sink, log), nil
}
