// Command omsd is the composition root for the OMS concurrency spine: it
// wires C1-C10 together from process configuration and runs the
// background workers (lock sweeper/deadlock detector, outbox relay) until
// signaled to stop. It contains no business logic of its own, mirroring
// the teacher's cmd/appserver composition pattern.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oms-core/internal/audit"
	"github.com/R3E-Network/oms-core/internal/author"
	"github.com/R3E-Network/oms-core/internal/branchstate"
	"github.com/R3E-Network/oms-core/internal/config"
	"github.com/R3E-Network/oms-core/internal/consumer"
	"github.com/R3E-Network/oms-core/internal/ledger"
	"github.com/R3E-Network/oms-core/internal/lockmanager"
	"github.com/R3E-Network/oms-core/internal/merge"
	"github.com/R3E-Network/oms-core/internal/occ"
	"github.com/R3E-Network/oms-core/internal/omslog"
	"github.com/R3E-Network/oms-core/internal/outbox"
	"github.com/R3E-Network/oms-core/internal/policy"
	"github.com/R3E-Network/oms-core/pkg/eventbus"
)

func main() {
	log := omslog.New("omsd", omslog.Config{Level: config.GetEnv("LOG_LEVEL", "info"), Format: config.GetEnv("LOG_FORMAT", "text")})

	cfg, exitCode, err := config.Load()
	if err != nil {
		log.WithField("error", err).Error("fatal configuration error")
		os.Exit(int(exitCode))
	}

	dsn := config.GetEnv("DATABASE_URL", "")
	if dsn == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(int(config.ExitFatalConfig))
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.WithField("error", err).Error("failed to open database")
		os.Exit(int(config.ExitFatalConfig))
	}
	sdb := sqlx.NewDb(db, "postgres")

	if err := runMigrations(sdb); err != nil {
		log.WithField("error", err).Error("failed to run schema migrations")
		os.Exit(int(config.ExitFatalConfig))
	}

	bus, err := eventbus.NewWithDB(db, dsn)
	if err != nil {
		log.WithField("error", err).Error("failed to start event bus")
		os.Exit(int(config.ExitFatalConfig))
	}
	defer bus.Close()

	authorProvider, err := author.NewProvider(cfg.JWTSecret, cfg.DevelopmentMode)
	if err != nil {
		log.WithField("error", err).Error("failed to construct author provider")
		os.Exit(int(config.ExitFatalSecret))
	}

	ledgerPort := ledger.NewPostgresLedger(sdb)
	states := branchstate.NewStore()

	lockCfg := lockmanager.DefaultConfig()
	lockCfg.SweepInterval = time.Duration(cfg.LockSweepIntervalS) * time.Second
	lockCfg.HeartbeatGraceMultiplier = cfg.HeartbeatGraceMultiplier
	locks := lockmanager.NewManager(states, lockCfg, log)

	occEngine := occ.NewEngine(sdb, ledgerPort)
	mergeEngine := merge.NewEngine()
	_, _ = occEngine, mergeEngine // wired into request handlers by the (non-core) transport layer
	gate := policy.NewGate(policy.DefaultRoutes(), policy.DefaultPublicPaths(), time.Duration(cfg.OverrideTTLS)*time.Second)

	ob := outbox.New(sdb, bus, cfg.OutboxRelayShards, log)
	auditEmitter := audit.New(ob, 365)
	_ = auditEmitter // wired into request handlers by the (non-core) transport layer

	schemaConsumer := consumer.New(sdb, ob, "schema_consumer", "v1", schemaConsumerHandler, log)

	sweeper := lockmanager.NewSweeper(locks)
	if err := sweeper.Start(); err != nil {
		log.WithField("error", err).Error("failed to start lock sweeper")
		os.Exit(int(config.ExitFatalConfig))
	}
	defer sweeper.Stop()

	if err := ob.StartRelay(2 * time.Second); err != nil {
		log.WithField("error", err).Error("failed to start outbox relay")
		os.Exit(int(config.ExitFatalConfig))
	}
	defer ob.StopRelay()

	// Postgres LISTEN channels are exact-match, not wildcarded, so a real
	// deployment subscribes schemaConsumer to each oms.<aggregate>.*.<branch>
	// subject it cares about as branches are created; main.go registers
	// the default branch's schema subjects as a representative example.
	for _, aggregate := range []string{"object_type", "link_type", "action_type"} {
		subject := outbox.StreamName(aggregate, "created", "main")
		if err := bus.Subscribe(subject, busToConsumer(schemaConsumer, log)); err != nil {
			log.WithField("error", err).Warn("failed to subscribe schema consumer to bus")
		}
	}

	_ = gate // attached to the transport layer's request middleware; not exercised here

	log.WithFields(map[string]any{"shards": cfg.OutboxRelayShards}).Info("omsd started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received, draining")
}

// busToConsumer adapts a bus delivery into a consumer.Process call,
// logging malformed envelopes. Errors are returned to the bus, which
// discards them, so a failed delivery is not retried.
func busToConsumer(c *consumer.Consumer, log *omslog.Logger) eventbus.Handler {
	return func(ctx context.Context, msg eventbus.Message) error {
		var envelope outbox.Envelope
		if err := json.Unmarshal(msg.Body, &envelope); err != nil {
			log.WithField("error", err).Error("malformed envelope from bus")
			return err
		}
		_, err := c.Process(ctx, envelope, false)
		return err
	}
}

func runMigrations(db *sqlx.DB) error {
	schemas := []string{
		ledger.Schema(),
		occ.Schema(),
		outbox.Schema(),
		consumer.Schema(),
	}
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// schemaConsumerHandler is a placeholder projection handler; a real
// deployment wires one handler per consumer_id reflecting its own
// read-model. It echoes the event into state unchanged so the consumer's
// idempotency machinery is exercised end-to-end.
func schemaConsumerHandler(ctx context.Context, state json.RawMessage, event outbox.Envelope) (json.RawMessage, []consumer.SideEffect, error) {
	return state, nil, nil
}
