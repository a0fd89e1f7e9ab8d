package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fablehq/fable/internal/api"
	"github.com/fablehq/fable/internal/app/ring"
	"github.com/fablehq/fable/internal/daemon"
	"github.com/fablehq/fable/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fabled daemon",
	Long:  `Start the ring ledger HTTP API and the background reconciliation sweep.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()
	if cfg.Ring.MaxAppendAttempts > 0 {
		db.SetMaxAppendAttempts(cfg.Ring.MaxAppendAttempts)
	}
	db.SetIdempotencyTTL(daemon.Duration(cfg.Ring.IdempotencyKeyTTL, 0))

	guardrail := ring.GuardrailConfig{
		DailyEarnCapCount:     cfg.Ring.DailyEarnCapCount,
		DailyEarnCapTotal:     cfg.Ring.DailyEarnCapTotal,
		SoftDailyEarnCapCount: cfg.Ring.SoftDailyEarnCapCount,
		SoftDailyEarnCapTotal: cfg.Ring.SoftDailyEarnCapTotal,
		BurstWindow:           daemon.Duration(cfg.Ring.BurstWindow, 2*time.Second),
	}

	bridge := ring.NewBridge(db, log)
	eval := ring.NewEvaluator(guardrail, db, ring.DefaultRegistry(), log)
	svc := ring.NewService(ring.Config{
		Mode:       cfg.Ring.Mode(),
		Guardrail:  guardrail,
		PendingTTL: daemon.Duration(cfg.Ring.PendingTTL, 30*24*time.Hour),
	}, db, eval, bridge, log)

	sweeper := ring.NewSweeper(ring.SweeperConfig{
		Interval:   daemon.Duration(cfg.Ring.ReconciliationSweepInterval, 5*time.Minute),
		BatchSize:  cfg.Ring.SweepBatchSize,
		PendingTTL: daemon.Duration(cfg.Ring.PendingTTL, 30*24*time.Hour),
	}, db, bridge, log)

	server := api.NewServer(&api.RingAPI{
		Service:   svc,
		Projector: ring.NewProjector(db),
		Bridge:    bridge,
		DB:        db,
	}, log)
	server.EnableMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.API.Addr(),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("fabled listening",
		zap.String("addr", cfg.API.Addr()),
		zap.String("database", cfg.Database.Path),
		zap.String("issuance_mode", string(cfg.Ring.Mode())))

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	// Let in-flight mirror writes land before the DB closes.
	bridge.Wait()
	log.Info("fabled stopped")
	return nil
}

func buildLogger(cfg daemon.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
