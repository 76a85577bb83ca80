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

// Query runs an arbitrary SELECT and returns generically scanned rows. The
// rule engine's synthesized statements come through here.
func (s *Store) Query(ctx context.Context, stmt string) ([]map[string]any, error) {
	var out []map[string]any
	err := s.pool.WithConn(ctx, func(conn dbpool.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			values := make([]any, len(cols))
			targets := make([]any, len(cols))
			for i := range values {
				targets[i] = &values[i]
			}
			if err := rows.Scan(targets...); err != nil {
				return err
			}
			row := make(map[string]any, len(cols))
			for i, col := range cols {
				row[col] = normalizeValue(values[i])
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		log.Error().Err(err).Str("stmt", stmt).Msg("Time-series query failed")
		return nil, err
	}
	return out, nil
}

// normalizeValue flattens driver-specific scan results: byte slices become
// strings, integer widths collapse to int64.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Latest returns the most recent sample of every resource family for one
// host. Families without rows stay nil; HasData reports whether any family
// produced data.
func (s *Store) Latest(ctx context.Context, hostIP string) (*models.NodeResourceSample, error) {
	sample := &models.NodeResourceSample{HostIP: hostIP}

	if row, err := s.latestSingle(ctx, FamilyCPU, hostIP); err == nil && row != nil {
		sample.CPU = row
		sample.HasData = true
	}
	if row, err := s.latestSingle(ctx, FamilyMemory, hostIP); err == nil && row != nil {
		sample.Memory = row
		sample.HasData = true
	}

	multi := []struct {
		family Family
		dest   *[]models.FamilyRow
	}{
		{FamilyDisk, &sample.Disks},
		{FamilyNetwork, &sample.Networks},
		{FamilyGPU, &sample.GPUs},
		{FamilyContainer, &sample.Containers},
		{FamilySensor, &sample.Sensors},
	}
	for _, m := range multi {
		rows, err := s.latestPerEntity(ctx, m.family, hostIP)
		if err != nil {
			log.Warn().Err(err).Str("family", m.family.Name).Str("host_ip", hostIP).Msg("Latest query failed for family")
			continue
		}
		if len(rows) > 0 {
			*m.dest = rows
			sample.HasData = true
		}
	}
	return sample, nil
}

func (s *Store) latestSingle(ctx context.Context, f Family, hostIP string) (*models.FamilyRow, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s.%s WHERE host_ip = '%s' ORDER BY ts DESC LIMIT 1",
		s.dbName, f.Name, Escape(hostIP))
	raw, err := s.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	row := f.toFamilyRow(raw[0])
	return &row, nil
}

// latestPerEntity fetches a short recent window and keeps the newest row per
// tag tuple, so each disk, interface, or GPU contributes exactly one row.
func (s *Store) latestPerEntity(ctx context.Context, f Family, hostIP string) ([]models.FamilyRow, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s.%s WHERE host_ip = '%s' AND ts > now - 1m ORDER BY ts DESC",
		s.dbName, f.Name, Escape(hostIP))
	raw, err := s.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []models.FamilyRow
	for _, r := range raw {
		row := f.toFamilyRow(r)
		key := entityKey(f, row.Tags)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out, nil
}

func entityKey(f Family, tags map[string]string) string {
	parts := make([]string, len(f.TagKeys))
	for i, k := range f.TagKeys {
		parts[i] = tags[k]
	}
	return strings.Join(parts, "\x00")
}

// Range returns time-ordered rows within now-span for the requested resource
// families of one host. Families that fail are logged and omitted.
func (s *Store) Range(ctx context.Context, hostIP string, span time.Duration, families []string) (map[string][]models.FamilyRow, error) {
	out := make(map[string][]models.FamilyRow, len(families))
	for _, name := range families {
		f, ok := FamilyByName(name)
		if !ok {
			log.Warn().Str("family", name).Msg("Range query for unknown family skipped")
			continue
		}
		stmt := fmt.Sprintf("SELECT * FROM %s.%s WHERE host_ip = '%s' AND ts > now - %s ORDER BY ts ASC",
			s.dbName, f.Name, Escape(hostIP), FormatSpan(span))
		raw, err := s.Query(ctx, stmt)
		if err != nil {
			log.Warn().Err(err).Str("family", name).Msg("Range query failed for family")
			continue
		}
		rows := make([]models.FamilyRow, 0, len(raw))
		for _, r := range raw {
			rows = append(rows, f.toFamilyRow(r))
		}
		out[name] = rows
	}
	return out, nil
}

// RangeBMC returns time-ordered BMC rows within now-span for one chassis.
// Short family names ("fan", "sensor") address the BMC super-tables.
func (s *Store) RangeBMC(ctx context.Context, boxID int, span time.Duration, families []string) (map[string][]models.FamilyRow, error) {
	out := make(map[string][]models.FamilyRow, len(families))
	for _, short := range families {
		stable, ok := BMCFamilyNames[short]
		if !ok {
			log.Warn().Str("family", short).Msg("BMC range query for unknown family skipped")
			continue
		}
		f, _ := FamilyByName(stable)
		stmt := fmt.Sprintf("SELECT * FROM %s.%s WHERE box_id = '%d' AND ts > now - %s ORDER BY ts ASC",
			s.dbName, stable, boxID, FormatSpan(span))
		raw, err := s.Query(ctx, stmt)
		if err != nil {
			log.Warn().Err(err).Str("family", short).Msg("BMC range query failed for family")
			continue
		}
		rows := make([]models.FamilyRow, 0, len(raw))
		for _, r := range raw {
			rows = append(rows, f.toFamilyRow(r))
		}
		out[short] = rows
	}
	return out, nil
}

// toFamilyRow splits a generically scanned row into timestamp, tags, and
// numeric fields according to the family descriptor.
func (f Family) toFamilyRow(raw map[string]any) models.FamilyRow {
	row := models.FamilyRow{
		Tags:   make(map[string]string),
		Fields: make(map[string]float64),
	}
	for col, v := range raw {
		switch {
		case col == "ts":
			if t, ok := v.(time.Time); ok {
				row.TS = t
			}
		case f.isTag(col):
			row.Tags[col] = stringValue(v)
		default:
			if fv, ok := floatValue(v); ok {
				row.Fields[col] = fv
			}
		}
	}
	return row
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FormatSpan renders a duration in the backend's interval literal syntax.
func FormatSpan(span time.Duration) string {
	secs := int64(span.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
