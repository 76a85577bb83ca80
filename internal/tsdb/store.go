// Package tsdb manages the time-series schema of metric families, persists
// incoming telemetry, and serves windowed range queries against TDengine.
package tsdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/dbpool"
	"github.com/gridwatch/gridwatch/internal/models"
)

const tsFormat = "2006-01-02 15:04:05.000"

// Store is the time-series persistence layer. All sessions are leased from
// the shared pool; the store itself is stateless and reentrant.
type Store struct {
	pool   *dbpool.Pool
	dbName string
}

// New constructs a Store over an initialized pool.
func New(pool *dbpool.Pool, dbName string) *Store {
	return &Store{pool: pool, dbName: dbName}
}

// Row is one time-series row to insert: the tag tuple identifies the child
// table, fields are the measured values.
type Row struct {
	TS     time.Time
	Tags   map[string]string
	Fields map[string]float64
}

// Bootstrap idempotently creates the database and every family super-table.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := []string{fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.dbName)}
	for _, f := range Families {
		stmts = append(stmts, s.createSuperTableSQL(f))
	}
	return s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("bootstrap %q: %w", stmt, err)
			}
		}
		return nil
	})
}

func (s *Store) createSuperTableSQL(f Family) string {
	cols := make([]string, 0, len(f.Fields)+1)
	cols = append(cols, "ts TIMESTAMP")
	for _, fd := range f.Fields {
		cols = append(cols, fd.Name+" "+fd.SQLType)
	}
	tags := make([]string, 0, len(f.TagKeys))
	for _, t := range f.TagKeys {
		tags = append(tags, t+" BINARY(64)")
	}
	return fmt.Sprintf("CREATE STABLE IF NOT EXISTS %s.%s (%s) TAGS (%s)",
		s.dbName, f.Name, strings.Join(cols, ", "), strings.Join(tags, ", "))
}

// InsertRows appends rows to one family in a single batched statement.
// Child tables are created lazily through the insert's USING clause.
// Per-row build failures are logged and skipped; only a fully failed batch
// is surfaced.
func (s *Store) InsertRows(ctx context.Context, family string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	f, ok := FamilyByName(family)
	if !ok {
		return fmt.Errorf("unknown metric family %q", family)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO")
	valid := 0
	for _, row := range rows {
		clause, err := s.insertClause(f, row)
		if err != nil {
			log.Warn().Err(err).Str("family", family).Msg("Skipping malformed time-series row")
			continue
		}
		b.WriteByte(' ')
		b.WriteString(clause)
		valid++
	}
	if valid == 0 {
		return fmt.Errorf("no valid rows for family %q", family)
	}

	stmt := b.String()
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		_, execErr := conn.ExecContext(ctx, stmt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", valid, family, err)
	}
	return nil
}

func (s *Store) insertClause(f Family, row Row) (string, error) {
	tagValues := make([]string, len(f.TagKeys))
	for i, key := range f.TagKeys {
		v, ok := row.Tags[key]
		if !ok {
			return "", fmt.Errorf("row missing tag %q", key)
		}
		tagValues[i] = v
	}

	child := childTableName(f.Name, tagValues)
	quotedTags := make([]string, len(tagValues))
	for i, v := range tagValues {
		quotedTags[i] = "'" + Escape(v) + "'"
	}

	values := make([]string, 0, len(f.Fields)+1)
	values = append(values, "'"+row.TS.Format(tsFormat)+"'")
	for _, fd := range f.Fields {
		if v, ok := row.Fields[fd.Name]; ok {
			values = append(values, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			values = append(values, "NULL")
		}
	}

	return fmt.Sprintf("%s.%s USING %s.%s TAGS (%s) VALUES (%s)",
		s.dbName, child, s.dbName, f.Name,
		strings.Join(quotedTags, ", "), strings.Join(values, ", ")), nil
}

// InsertSnapshot persists one HTTP resource snapshot for a host: one row per
// entity per present family, all stamped with the same server time. Partial
// failures are logged; the call fails only when every family insert fails.
func (s *Store) InsertSnapshot(ctx context.Context, hostIP string, snap *models.ResourceSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil resource snapshot")
	}
	now := time.Now()
	batches := snapshotRows(hostIP, snap, now)
	if len(batches) == 0 {
		return fmt.Errorf("empty resource snapshot")
	}

	attempted, failed := 0, 0
	var lastErr error
	for family, rows := range batches {
		attempted++
		if err := s.InsertRows(ctx, family, rows); err != nil {
			failed++
			lastErr = err
			log.Warn().Err(err).Str("family", family).Str("host_ip", hostIP).Msg("Snapshot family insert failed")
		}
	}
	if failed == attempted {
		return fmt.Errorf("snapshot insert for %s failed entirely: %w", hostIP, lastErr)
	}
	return nil
}

// snapshotRows flattens a snapshot into per-family row batches.
func snapshotRows(hostIP string, snap *models.ResourceSnapshot, ts time.Time) map[string][]Row {
	batches := make(map[string][]Row)
	host := map[string]string{"host_ip": hostIP}

	if c := snap.CPU; c != nil {
		batches[FamilyCPU.Name] = []Row{{TS: ts, Tags: host, Fields: map[string]float64{
			"usage_percent": c.UsagePercent, "load_avg_1m": c.LoadAvg1m,
			"load_avg_5m": c.LoadAvg5m, "load_avg_15m": c.LoadAvg15m,
			"core_count": c.CoreCount, "core_allocated": c.CoreAllocated,
			"temperature": c.Temperature, "voltage": c.Voltage,
			"current": c.Current, "power": c.Power,
		}}}
	}
	if m := snap.Memory; m != nil {
		batches[FamilyMemory.Name] = []Row{{TS: ts, Tags: host, Fields: map[string]float64{
			"total": m.Total, "used": m.Used, "free": m.Free, "usage_percent": m.UsagePercent,
		}}}
	}
	for _, d := range snap.Disks {
		batches[FamilyDisk.Name] = append(batches[FamilyDisk.Name], Row{
			TS:   ts,
			Tags: map[string]string{"host_ip": hostIP, "device": d.Device, "mount_point": d.MountPoint},
			Fields: map[string]float64{
				"total": d.Total, "used": d.Used, "free": d.Free, "usage_percent": d.UsagePercent,
			},
		})
	}
	for _, n := range snap.Networks {
		batches[FamilyNetwork.Name] = append(batches[FamilyNetwork.Name], Row{
			TS:   ts,
			Tags: map[string]string{"host_ip": hostIP, "interface": n.Interface},
			Fields: map[string]float64{
				"rx_bytes": n.RxBytes, "tx_bytes": n.TxBytes,
				"rx_packets": n.RxPackets, "tx_packets": n.TxPackets,
				"rx_errors": n.RxErrors, "tx_errors": n.TxErrors,
				"rx_rate": n.RxRate, "tx_rate": n.TxRate,
			},
		})
	}
	for _, g := range snap.GPUs {
		batches[FamilyGPU.Name] = append(batches[FamilyGPU.Name], Row{
			TS: ts,
			Tags: map[string]string{
				"host_ip": hostIP, "gpu_index": strconv.Itoa(g.Index), "gpu_name": g.Name,
			},
			Fields: map[string]float64{
				"compute_usage": g.ComputeUsage, "mem_usage": g.MemUsage,
				"mem_used": g.MemUsed, "mem_total": g.MemTotal,
				"temperature": g.Temperature, "power": g.Power,
			},
		})
	}
	for _, c := range snap.Containers {
		batches[FamilyContainer.Name] = append(batches[FamilyContainer.Name], Row{
			TS: ts,
			Tags: map[string]string{
				"host_ip": hostIP, "container_id": c.ContainerID, "container_name": c.Name,
			},
			Fields: map[string]float64{
				"cpu_percent": c.CPUPercent, "mem_used": c.MemUsed,
				"mem_limit": c.MemLimit, "mem_percent": c.MemPercent,
			},
		})
	}
	for _, sn := range snap.Sensors {
		batches[FamilySensor.Name] = append(batches[FamilySensor.Name], Row{
			TS: ts,
			Tags: map[string]string{
				"host_ip": hostIP, "sensor_name": sn.Name, "sensor_type": sn.Type,
			},
			Fields: map[string]float64{"value": sn.Value},
		})
	}
	return batches
}
