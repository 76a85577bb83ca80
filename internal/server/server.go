// Package server wires the pools, stores, workers, and listeners into one
// process with a shared lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gridwatch/gridwatch/internal/api"
	"github.com/gridwatch/gridwatch/internal/bmc"
	"github.com/gridwatch/gridwatch/internal/bus"
	"github.com/gridwatch/gridwatch/internal/config"
	"github.com/gridwatch/gridwatch/internal/dbpool"
	"github.com/gridwatch/gridwatch/internal/discovery"
	"github.com/gridwatch/gridwatch/internal/eventstore"
	"github.com/gridwatch/gridwatch/internal/liveness"
	"github.com/gridwatch/gridwatch/internal/registry"
	"github.com/gridwatch/gridwatch/internal/rules"
	"github.com/gridwatch/gridwatch/internal/rulestore"
	"github.com/gridwatch/gridwatch/internal/telemetry"
	"github.com/gridwatch/gridwatch/internal/tsdb"
	"github.com/gridwatch/gridwatch/internal/websocket"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/taosdata/driver-go/v3/taosRestful"
)

const shutdownGrace = 10 * time.Second

// Server owns every long-lived component.
type Server struct {
	cfg *config.Config

	alarmPool *dbpool.Pool
	tsPool    *dbpool.Pool

	ruleStore  *rulestore.Store
	eventStore *eventstore.Store
	tsStore    *tsdb.Store
	nodes      *registry.Registry

	hub      *websocket.Hub
	eventBus *bus.Bus
	engine   *rules.Engine
	monitor  *liveness.Monitor
	ingestor *bmc.Ingestor
	beacon   *discovery.Beacon
}

// New builds the component graph. Nothing touches the network until Run.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	s.alarmPool = dbpool.New("alarm", dbpool.SQLFactory("mysql", cfg.MySQLDSN(cfg.AlarmDB)), cfg.AlarmPool)
	s.tsPool = dbpool.New("timeseries", dbpool.SQLFactory("taosRestful", cfg.TaosDSN()), cfg.TSPool)

	s.ruleStore = rulestore.New(s.alarmPool)
	s.eventStore = eventstore.New(s.alarmPool)
	s.tsStore = tsdb.New(s.tsPool, cfg.ResourceDB)
	s.nodes = registry.New()

	s.hub = websocket.NewHub()
	s.eventBus = bus.New(s.eventStore, s.hub, nil, bus.DefaultDepth)
	s.engine = rules.NewEngine(s.ruleStore, s.tsStore.Query, s.eventBus, rules.Config{
		Interval:     cfg.EvaluationInterval,
		Database:     cfg.ResourceDB,
		GeneratorURL: cfg.GeneratorURL,
	})
	s.monitor = liveness.NewMonitor(s.nodes, s.eventBus, liveness.DefaultThreshold)

	ingestor, err := bmc.NewIngestor(cfg.BMCMulticastIP, cfg.BMCMulticastPort, s.tsStore, s.nodes)
	if err != nil {
		return nil, fmt.Errorf("bmc ingestor: %w", err)
	}
	s.ingestor = ingestor

	beacon, err := discovery.NewBeacon(cfg.MulticastIP, cfg.MulticastPort, cfg.HTTPPort, cfg.WebSocketPort, s.nodes)
	if err != nil {
		return nil, fmt.Errorf("discovery beacon: %w", err)
	}
	s.beacon = beacon

	return s, nil
}

// ApplyConfig applies the runtime-adjustable parts of a reloaded config.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.alarmPool.UpdateConfig(cfg.AlarmPool)
	s.tsPool.UpdateConfig(cfg.TSPool)
}

// Run brings the service up and blocks until the context is canceled or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	s.eventBus.Start()
	if err := s.ingestor.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.beacon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.statsLoop(gctx)
		return nil
	})

	handlers := api.NewHandlers(s.nodes, s.tsStore, s.ruleStore, s.eventStore, s.engine)
	s.serve(g, gctx, "api", fmt.Sprintf(":%d", s.cfg.HTTPPort), handlers.Router())
	s.serve(g, gctx, "websocket", fmt.Sprintf(":%d", s.cfg.WebSocketPort), s.hub)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.serve(g, gctx, "metrics", fmt.Sprintf(":%d", s.cfg.MetricsPort), metricsMux)

	log.Info().
		Int("http_port", s.cfg.HTTPPort).
		Int("websocket_port", s.cfg.WebSocketPort).
		Int("metrics_port", s.cfg.MetricsPort).
		Msg("gridwatch started")

	err := g.Wait()

	s.ingestor.Stop()
	s.eventBus.Shutdown()
	s.alarmPool.Shutdown()
	s.tsPool.Shutdown()
	log.Info().Msg("gridwatch stopped")
	return err
}

// bootstrap prepares the databases and warms the pools.
func (s *Server) bootstrap(ctx context.Context) error {
	if err := s.createAlarmDatabase(ctx); err != nil {
		return fmt.Errorf("create alarm database: %w", err)
	}
	if err := s.alarmPool.Init(ctx); err != nil {
		return fmt.Errorf("init alarm pool: %w", err)
	}
	if err := s.tsPool.Init(ctx); err != nil {
		return fmt.Errorf("init timeseries pool: %w", err)
	}

	if err := s.tsStore.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap timeseries schema: %w", err)
	}
	if err := s.ruleStore.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap alarm_rules: %w", err)
	}
	if err := s.eventStore.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap alarm_events: %w", err)
	}
	return nil
}

// createAlarmDatabase runs outside the pool because the pool's DSN names a
// database that may not exist yet.
func (s *Server) createAlarmDatabase(ctx context.Context) error {
	factory := dbpool.SQLFactory("mysql", s.cfg.MySQLDSN(""))
	conn, err := factory(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.cfg.AlarmDB))
	return err
}

// serve runs one HTTP listener under the group with graceful shutdown.
func (s *Server) serve(g *errgroup.Group, ctx context.Context, name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("listener", name).Str("addr", addr).Msg("Listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// statsLoop periodically logs and exports operational counters.
func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *Server) publishStats() {
	for name, pool := range map[string]*dbpool.Pool{
		"alarm":      s.alarmPool,
		"timeseries": s.tsPool,
	} {
		st := pool.Stats()
		telemetry.PoolTotal.WithLabelValues(name).Set(float64(st.Total))
		telemetry.PoolActive.WithLabelValues(name).Set(float64(st.Active))
		telemetry.PoolIdle.WithLabelValues(name).Set(float64(st.Idle))
		telemetry.PoolWaiters.WithLabelValues(name).Set(float64(st.PendingWaiters))

		log.Info().
			Str("pool", name).
			Int("total", st.Total).
			Int("active", st.Active).
			Int("idle", st.Idle).
			Int("waiters", st.PendingWaiters).
			Float64("avg_wait_ms", st.AverageWaitMs).
			Msg("Pool stats")
	}

	log.Info().
		Int("nodes", s.nodes.Len()).
		Int("ws_clients", s.hub.ClientCount()).
		Int("bus_depth", s.eventBus.Depth()).
		Msg("Service stats")
}
