// Package dbpool provides a bounded pool of live backing-database
// connections with health checking, idle and lifetime reaping, and
// acquire-with-timeout. Both the relational store and the time-series store
// lease their sessions from a Pool.
package dbpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolUnavailable is returned when the pool has not been initialized.
	ErrPoolUnavailable = errors.New("connection pool unavailable")
	// ErrShutdown is returned for acquires issued after Shutdown.
	ErrShutdown = errors.New("connection pool shutting down")
)

// openRetries bounds how many failed connection opens one Acquire call will
// retry before giving up (still subject to the acquire timeout).
const openRetries = 3

// Config tunes one Pool. Zero values fall back to defaults.
type Config struct {
	MinConns     int `yaml:"min_connections" json:"min_connections"`
	MaxConns     int `yaml:"max_connections" json:"max_connections"`
	InitialConns int `yaml:"initial_connections" json:"initial_connections"`

	ConnectTimeout      time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	HealthCheckQuery string `yaml:"health_check_query" json:"health_check_query"`
	AutoReconnect    bool   `yaml:"auto_reconnect" json:"auto_reconnect"`
}

// DefaultConfig returns the pool tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinConns:            2,
		MaxConns:            10,
		InitialConns:        2,
		ConnectTimeout:      5 * time.Second,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         time.Hour,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckQuery:    "SELECT 1",
		AutoReconnect:       true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.InitialConns < c.MinConns {
		c.InitialConns = c.MinConns
	}
	if c.InitialConns > c.MaxConns {
		c.InitialConns = c.MaxConns
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckQuery == "" {
		c.HealthCheckQuery = d.HealthCheckQuery
	}
	return c
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Total          int     `json:"total"`
	Active         int     `json:"active"`
	Idle           int     `json:"idle"`
	PendingWaiters int     `json:"pending_waiters"`
	CreatedTotal   int64   `json:"created_total"`
	DestroyedTotal int64   `json:"destroyed_total"`
	AverageWaitMs  float64 `json:"average_wait_ms"`
}

type waiter struct {
	ch chan *pooledConn
}

// Pool is a thread-safe bounded connection pool. Acquire is FIFO-fair among
// waiters; one maintenance goroutine reaps idle and broken connections.
type Pool struct {
	name    string
	factory Factory

	mu          sync.Mutex
	cfg         Config
	idle        []*pooledConn
	waiters     *list.List
	numOpen     int
	initialized bool
	closed      bool

	createdTotal   int64
	destroyedTotal int64
	waitCount      int64
	waitTotal      time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a pool. No connections are opened until Init.
func New(name string, factory Factory, cfg Config) *Pool {
	return &Pool{
		name:    name,
		factory: factory,
		cfg:     cfg.withDefaults(),
		waiters: list.New(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Init eagerly opens the configured initial connections and starts the
// maintenance worker. Acquires before Init fail with ErrPoolUnavailable.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	cfg := p.cfg
	p.mu.Unlock()

	for i := 0; i < cfg.InitialConns; i++ {
		pc, err := p.open(ctx, cfg)
		if err != nil {
			p.closeAllIdle()
			return fmt.Errorf("pool %s: open initial connection %d/%d: %w", p.name, i+1, cfg.InitialConns, err)
		}
		p.mu.Lock()
		p.numOpen++
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	go p.maintain()

	log.Info().Str("pool", p.name).Int("initial", cfg.InitialConns).Int("max", cfg.MaxConns).Msg("Connection pool initialized")
	return nil
}

// Handle is a leased connection. Release must be called on every exit path;
// prefer WithConn which guarantees it.
type Handle struct {
	pool *Pool
	pc   *pooledConn
	once sync.Once
}

// Conn exposes the leased connection.
func (h *Handle) Conn() Conn { return h.pc.conn }

// Release returns the connection to the pool.
func (h *Handle) Release() { h.release(false) }

// ReleaseBroken discards the connection instead of returning it.
func (h *Handle) ReleaseBroken() { h.release(true) }

func (h *Handle) release(broken bool) {
	h.once.Do(func() {
		h.pool.put(h.pc, broken)
	})
}

// Acquire leases a connection: an idle one when available, a freshly opened
// one while below the cap, otherwise it waits FIFO up to the acquire
// timeout and fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if !p.initialized {
		err := ErrPoolUnavailable
		if p.closed {
			err = ErrShutdown
		}
		p.mu.Unlock()
		return nil, err
	}
	cfg := p.cfg
	p.mu.Unlock()

	start := time.Now()
	deadline := start.Add(cfg.AcquireTimeout)
	timer := time.NewTimer(cfg.AcquireTimeout)
	defer timer.Stop()

	opensFailed := 0
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrShutdown
		}
		if pc := p.popIdleLocked(); pc != nil {
			p.mu.Unlock()
			p.recordWait(time.Since(start))
			return &Handle{pool: p, pc: pc}, nil
		}
		if p.numOpen < p.cfg.MaxConns {
			p.numOpen++
			p.mu.Unlock()

			openCtx := ctx
			if remain := time.Until(deadline); remain < cfg.ConnectTimeout {
				var cancel context.CancelFunc
				openCtx, cancel = context.WithDeadline(ctx, deadline)
				defer cancel()
			}
			pc, err := p.open(openCtx, cfg)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				opensFailed++
				if opensFailed >= openRetries || time.Now().After(deadline) {
					return nil, fmt.Errorf("pool %s: open connection: %w", p.name, err)
				}
				log.Warn().Err(err).Str("pool", p.name).Int("attempt", opensFailed).Msg("Connection open failed, retrying")
				continue
			}
			p.recordWait(time.Since(start))
			return &Handle{pool: p, pc: pc}, nil
		}

		w := &waiter{ch: make(chan *pooledConn, 1)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case pc := <-w.ch:
			if pc == nil {
				return nil, ErrShutdown
			}
			p.recordWait(time.Since(start))
			return &Handle{pool: p, pc: pc}, nil
		case <-timer.C:
			if pc := p.cancelWait(elem, w); pc != nil {
				p.recordWait(time.Since(start))
				return &Handle{pool: p, pc: pc}, nil
			}
			return nil, fmt.Errorf("pool %s: no connection within %s: %w", p.name, cfg.AcquireTimeout, ErrPoolExhausted)
		case <-ctx.Done():
			if pc := p.cancelWait(elem, w); pc != nil {
				p.recordWait(time.Since(start))
				return &Handle{pool: p, pc: pc}, nil
			}
			return nil, ctx.Err()
		}
	}
}

// cancelWait removes a waiter from the queue. A connection may have been
// handed over concurrently; when so, it is returned instead of requeued.
func (p *Pool) cancelWait(elem *list.Element, w *waiter) *pooledConn {
	p.mu.Lock()
	removed := false
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		return nil
	}
	select {
	case pc := <-w.ch:
		return pc
	default:
		return nil
	}
}

// WithConn runs fn with a leased connection and guarantees release on every
// exit path, including panics. A transient driver error marks the
// connection broken so the pool replaces it.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	broken := true
	defer func() {
		if broken {
			h.ReleaseBroken()
		} else {
			h.Release()
		}
	}()

	err = fn(h.Conn())
	broken = err != nil && isTransient(err)
	return err
}

func (p *Pool) put(pc *pooledConn, broken bool) {
	pc.lastUsedAt = time.Now()
	pc.useCount++

	p.mu.Lock()
	if broken || p.closed {
		p.numOpen--
		p.destroyedTotal++
		autoReconnect := p.cfg.AutoReconnect && !p.closed
		p.mu.Unlock()
		closeQuietly(pc.conn, p.name)
		if autoReconnect {
			go p.replenish()
		}
		return
	}
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		w.ch <- pc
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// replenish opens a replacement connection after a broken one was
// discarded, keeping waiters and the warm floor served.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || !p.initialized {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	need := p.waiters.Len() > 0 || p.numOpen < cfg.MinConns
	if !need || p.numOpen >= cfg.MaxConns {
		p.mu.Unlock()
		return
	}
	p.numOpen++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	pc, err := p.open(ctx, cfg)
	if err != nil {
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		log.Warn().Err(err).Str("pool", p.name).Msg("Replacement connection open failed")
		return
	}
	p.put(pc, false)
}

// open creates one connection. The caller has already reserved a numOpen
// slot when calling from Acquire; Init and maintain reserve here.
func (p *Pool) open(ctx context.Context, cfg Config) (*pooledConn, error) {
	openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := p.factory(openCtx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.mu.Lock()
	p.createdTotal++
	p.mu.Unlock()
	return &pooledConn{conn: conn, createdAt: now, lastUsedAt: now}, nil
}

func (p *Pool) popIdleLocked() *pooledConn {
	for len(p.idle) > 0 {
		n := len(p.idle)
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if pc.age(time.Now()) > p.cfg.MaxLifetime {
			p.numOpen--
			p.destroyedTotal++
			closeQuietly(pc.conn, p.name)
			continue
		}
		return pc
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.waitCount > 0 {
		avg = float64(p.waitTotal.Milliseconds()) / float64(p.waitCount)
	}
	return Stats{
		Total:          p.numOpen,
		Active:         p.numOpen - len(p.idle),
		Idle:           len(p.idle),
		PendingWaiters: p.waiters.Len(),
		CreatedTotal:   p.createdTotal,
		DestroyedTotal: p.destroyedTotal,
		AverageWaitMs:  avg,
	}
}

// UpdateConfig atomically swaps the pool tuning; it affects subsequent
// acquires and the next maintenance pass.
func (p *Pool) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	log.Info().Str("pool", p.name).Int("max", cfg.MaxConns).Msg("Pool configuration updated")
}

// Shutdown drains and closes all connections. Subsequent acquires fail.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	wasInitialized := p.initialized
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*waiter).ch <- nil
	}
	p.waiters.Init()
	p.mu.Unlock()

	close(p.stopCh)
	if wasInitialized {
		<-p.doneCh
	}
	p.closeAllIdle()
	log.Info().Str("pool", p.name).Msg("Connection pool shut down")
}

func (p *Pool) closeAllIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.destroyedTotal += int64(len(idle))
	p.mu.Unlock()
	for _, pc := range idle {
		closeQuietly(pc.conn, p.name)
	}
}

func (p *Pool) recordWait(d time.Duration) {
	p.mu.Lock()
	p.waitCount++
	p.waitTotal += d
	p.mu.Unlock()
}

func closeQuietly(c Conn, pool string) {
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("pool", pool).Msg("Connection close failed")
	}
}
