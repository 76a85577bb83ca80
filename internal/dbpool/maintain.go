package dbpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// maintain is the pool's single background worker. Each pass health-checks
// idle connections, reaps idle-too-long and too-old ones, and refills up to
// the warm floor. The interval is re-read every pass so UpdateConfig takes
// effect without a restart.
func (p *Pool) maintain() {
	defer close(p.doneCh)

	for {
		p.mu.Lock()
		interval := p.cfg.HealthCheckInterval
		p.mu.Unlock()

		select {
		case <-p.stopCh:
			return
		case <-time.After(interval):
			p.maintenancePass()
		}
	}
}

func (p *Pool) maintenancePass() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := time.Now()
	var kept []*pooledConn
	destroyed := 0
	for _, pc := range idle {
		p.mu.Lock()
		total := p.numOpen
		p.mu.Unlock()

		switch {
		case pc.age(now) > cfg.MaxLifetime:
			p.destroy(pc)
			destroyed++
		case pc.idleFor(now) > cfg.IdleTimeout && total-destroyed > cfg.MinConns:
			p.destroy(pc)
			destroyed++
		case !p.healthCheck(pc, cfg):
			p.destroy(pc)
			destroyed++
		default:
			kept = append(kept, pc)
		}
	}

	// Survivors go to waiters first, then back to the idle set.
	for _, pc := range kept {
		p.put(pc, false)
	}

	p.ensureMin(cfg)

	if destroyed > 0 {
		log.Debug().Str("pool", p.name).Int("destroyed", destroyed).Msg("Maintenance pass reaped connections")
	}
}

// healthCheck sends the sentinel query to an idle connection.
func (p *Pool) healthCheck(pc *pooledConn, cfg Config) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	var err error
	if cfg.HealthCheckQuery != "" {
		_, err = pc.conn.ExecContext(ctx, cfg.HealthCheckQuery)
	} else {
		err = pc.conn.PingContext(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Str("pool", p.name).Msg("Idle connection failed health check")
		return false
	}
	return true
}

func (p *Pool) destroy(pc *pooledConn) {
	p.mu.Lock()
	p.numOpen--
	p.destroyedTotal++
	p.mu.Unlock()
	closeQuietly(pc.conn, p.name)
}

// ensureMin refills the pool up to the warm floor.
func (p *Pool) ensureMin(cfg Config) {
	for {
		p.mu.Lock()
		if p.closed || p.numOpen >= cfg.MinConns || p.numOpen >= cfg.MaxConns {
			p.mu.Unlock()
			return
		}
		p.numOpen++
		p.mu.Unlock()

		pc, err := p.open(context.Background(), cfg)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			log.Warn().Err(err).Str("pool", p.name).Msg("Warm floor refill failed")
			return
		}
		p.put(pc, false)
	}
}

// isTransient reports whether an error looks like a broken connection
// rather than a statement-level failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
