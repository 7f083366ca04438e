// Command dispatchdemo boots a sequenced dispatcher instance (plus a
// second one on a TCP worker pool when CHAINSEQ_RPC_ADDR is set), its
// admin API, and a small demo workload that submits a handful of
// causally-ordered requests against an in-memory fake transport so the
// scheduling and retry behavior can be observed end to end without a
// real worker pool. Point CHAINSEQ_REDIS_ADDR/CHAINSEQ_MONGO_URI at
// live instances to also see telemetry gauges and audit history flow
// through; both degrade to "disabled" gracefully if the corresponding
// service is unreachable at startup.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nakato-labs/chainseq/internal/adminapi"
	"github.com/nakato-labs/chainseq/internal/adminauth"
	"github.com/nakato-labs/chainseq/internal/audit"
	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
	"github.com/nakato-labs/chainseq/internal/config"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/netquery"
	"github.com/nakato-labs/chainseq/internal/rpctransport"
	"github.com/nakato-labs/chainseq/internal/seqdispatch"
	"github.com/nakato-labs/chainseq/internal/telemetry"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(logging.LevelDebug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := connectRedis(ctx, cfg, logger)
	mongoClient := connectMongo(ctx, cfg, logger)

	var telemetrySink telemetry.Sink
	var telemetryImpl *telemetry.RedisSink
	if redisClient != nil {
		telemetryImpl = telemetry.NewRedisSink(redisClient, "chainseq:telemetry")
		telemetrySink = telemetryImpl
	}

	var auditSink audit.Sink
	var auditImpl *audit.MongoSink
	if mongoClient != nil {
		auditImpl = audit.NewMongoSink(mongoClient, cfg.MongoDB)
		auditSink = auditImpl
	}

	registry := adminapi.NewMapRegistry()

	dispatcherCfg := seqdispatch.Config{
		MaxSimultaneousWait: cfg.MaxSimultaneousWait,
		IdleGrace:           cfg.IdleGrace,
		IdleRearm:           cfg.IdleRearm,
	}
	transport := netquery.NewFakeDispatcher(nil)
	demoDispatcher := seqdispatch.NewMultiChain(transport, dispatcherCfg, nil,
		seqdispatch.WithLogger(logger.With(logging.String("dispatcher", "demo"))),
		seqdispatch.WithTelemetry(telemetrySink),
		seqdispatch.WithAudit(auditSink),
		seqdispatch.WithName("demo"),
	)
	registry.Add("demo", demoDispatcher)

	if cfg.RPCListenAddr != "" {
		rpcServer := rpctransport.New(logger.With(logging.String("component", "rpctransport")), redisClient)
		rpcDispatcher := seqdispatch.NewMultiChain(rpcServer, dispatcherCfg, nil,
			seqdispatch.WithLogger(logger.With(logging.String("dispatcher", "workers"))),
			seqdispatch.WithTelemetry(telemetrySink),
			seqdispatch.WithAudit(auditSink),
			seqdispatch.WithName("workers"),
		)
		registry.Add("workers", rpcDispatcher)
		go func() {
			if err := rpcServer.Start(ctx, cfg.RPCListenAddr); err != nil {
				logger.Error(ctx, "rpc transport stopped", logging.Err(err))
			}
		}()
	}

	var authRepo adminauth.Repository
	if mongoClient != nil {
		authRepo = adminauth.NewMongoRepository(mongoClient.Database(cfg.MongoDB).Collection("operators"))
	} else {
		authRepo = adminauth.NewInMemoryRepository()
		logger.Warn(ctx, "no mongo configured, admin operators are in-memory and reset on restart")
	}
	tokens := adminauth.NewJWTTokenManager(cfg.AdminJWTSecret, 24*time.Hour)
	authSvc := adminauth.NewService(authRepo, tokens)

	admin := adminapi.New(registry, authSvc, tokens, telemetryImpl, auditImpl, logger.With(logging.String("component", "adminapi")))
	httpServer := &http.Server{Addr: cfg.AdminListenAddr, Handler: admin.Handler()}

	go func() {
		logger.Info(ctx, "admin API listening", logging.String("addr", cfg.AdminListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "admin API stopped", logging.Err(err))
		}
	}()

	go runDemoWorkload(ctx, demoDispatcher, transport, logger)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	demoDispatcher.Hangup()
}

func connectRedis(ctx context.Context, cfg config.Config, logger logging.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn(ctx, "redis unreachable, telemetry disabled", logging.Err(err), logging.String("addr", cfg.RedisAddr))
		return nil
	}
	logger.Info(ctx, "connected to redis", logging.String("addr", cfg.RedisAddr))
	return client
}

func connectMongo(ctx context.Context, cfg config.Config, logger logging.Logger) *mongo.Client {
	opt := options.Client().ApplyURI(cfg.MongoURI).SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	client, err := mongo.Connect(opt)
	if err != nil {
		logger.Warn(ctx, "mongo connect failed, audit disabled", logging.Err(err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		logger.Warn(ctx, "mongo unreachable, audit disabled", logging.Err(err), logging.String("uri", cfg.MongoURI))
		_ = client.Disconnect(context.Background())
		return nil
	}
	logger.Info(ctx, "connected to mongo", logging.String("db", cfg.MongoDB))
	return client
}

// runDemoWorkload submits a small set of causally-ordered requests on
// two independent chains and lets a fake transport resolve them a
// beat apart, so the console log shows strict per-chain ordering and
// cross-chain concurrency side by side.
func runDemoWorkload(ctx context.Context, d *seqdispatch.Dispatcher, transport *netquery.FakeDispatcher, logger logging.Logger) {
	time.Sleep(500 * time.Millisecond)

	sink := seqdispatch.ResultSinkFunc(func(query *chainrequest.Request, resolver *seqdispatch.Resolver) {
		if query.IsError() {
			logger.Warn(ctx, "demo task finished with error",
				logging.String("label", query.Label()), logging.Int("code", query.ErrorCode()))
		} else {
			logger.Info(ctx, "demo task finished", logging.String("label", query.Label()))
		}
		resolver.Resolve(nil)
	})

	chainA := chainsched.ChainID(1)
	chainB := chainsched.ChainID(2)

	for i := 1; i <= 3; i++ {
		q := chainrequest.New("chain-a-step", 30)
		if err := d.Submit(q, sink, []chainsched.ChainID{chainA}); err != nil {
			logger.Error(ctx, "submit failed", logging.Err(err))
		}
	}
	for i := 1; i <= 2; i++ {
		q := chainrequest.New("chain-b-step", 30)
		if err := d.Submit(q, sink, []chainsched.ChainID{chainB}); err != nil {
			logger.Error(ctx, "submit failed", logging.Err(err))
		}
	}

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	var next chainsched.TaskID = 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if transport.PendingCount() == 0 {
				return
			}
			transport.Resolve(next)
			next++
		}
	}
}
