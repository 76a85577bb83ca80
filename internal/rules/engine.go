package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
	"github.com/gridwatch/gridwatch/internal/telemetry"
)

// DefaultInterval is the evaluation cadence when the config does not set one.
const DefaultInterval = 30 * time.Second

// RuleSource provides the enabled rule set, reloaded on every tick.
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]models.AlarmRule, error)
}

// EventPublisher accepts the engine's alarm events.
type EventPublisher interface {
	Publish(event *models.AlarmEvent)
}

// QueryFunc executes one synthesized statement against the time-series
// store and returns generic rows.
type QueryFunc func(ctx context.Context, stmt string) ([]map[string]any, error)

// Config carries the engine's tunables.
type Config struct {
	Interval     time.Duration
	Database     string
	GeneratorURL string
}

type loadedRule struct {
	rule models.AlarmRule
	expr *ParsedExpression
	hold time.Duration
}

// Engine periodically evaluates the enabled rules against the time-series
// store and drives the per-fingerprint alarm state machine. Exactly one
// instance exists per fingerprint; transitions and their event emissions
// happen under the instance lock so the per-fingerprint event order matches
// the transition order.
type Engine struct {
	source       RuleSource
	query        QueryFunc
	publisher    EventPublisher
	interval     time.Duration
	dbName       string
	generatorURL string

	loadMu sync.RWMutex
	loaded []loadedRule

	instMu    sync.Mutex
	instances map[string]*models.AlarmInstance
}

// NewEngine wires the engine to its rule source, query path, and publisher.
func NewEngine(source RuleSource, query QueryFunc, publisher EventPublisher, cfg Config) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		source:       source,
		query:        query,
		publisher:    publisher,
		interval:     interval,
		dbName:       cfg.Database,
		generatorURL: cfg.GeneratorURL,
		instances:    make(map[string]*models.AlarmInstance),
	}
}

// Run evaluates on the configured interval until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.interval).Msg("Rule engine started")
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Rule engine stopped")
			return
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce performs one full tick: reload rules, query, reconcile.
func (e *Engine) EvaluateOnce(ctx context.Context) {
	e.reload(ctx)

	e.loadMu.RLock()
	rules := e.loaded
	e.loadMu.RUnlock()

	now := time.Now()
	for _, lr := range rules {
		stmt := lr.expr.QuerySQL(e.dbName)
		rows, err := e.query(ctx, stmt)
		if err != nil {
			// Without data we cannot tell firing from resolved, so the
			// rule's existing instances are left untouched this tick.
			log.Error().Err(err).Str("alert_name", lr.rule.AlertName).Msg("Rule query failed")
			continue
		}
		e.reconcile(lr, rows, now)
	}
	telemetry.RuleEvaluations.Inc()
}

// reload replaces the in-memory rule list. Rules that fail to parse are
// logged and skipped without affecting the rest.
func (e *Engine) reload(ctx context.Context) {
	stored, err := e.source.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Rule reload failed, keeping previous rule set")
		return
	}

	loaded := make([]loadedRule, 0, len(stored))
	for _, rule := range stored {
		expr, err := ParseExpression(rule.Expression)
		if err != nil {
			log.Warn().Err(err).Str("alert_name", rule.AlertName).Msg("Rule expression rejected, rule skipped")
			continue
		}
		loaded = append(loaded, loadedRule{
			rule: rule,
			expr: expr,
			hold: ParseForDuration(rule.ForDuration),
		})
	}

	e.loadMu.Lock()
	e.loaded = loaded
	e.loadMu.Unlock()
}

// activeRow is one matching entity from a rule's query.
type activeRow struct {
	labels map[string]string
	value  float64
}

// reconcile applies §state transitions for one rule against the rows
// returned this tick.
func (e *Engine) reconcile(lr loadedRule, rows []map[string]any, now time.Time) {
	cur := make(map[string]activeRow, len(rows))
	for _, row := range rows {
		labels := map[string]string{"host_ip": stringField(row["host_ip"])}
		for _, tag := range lr.expr.TagKeys {
			if tag == "host_ip" {
				continue
			}
			labels[tag] = stringField(row[tag])
		}
		value, ok := floatField(row[lr.expr.Metric])
		if !ok {
			log.Warn().Str("alert_name", lr.rule.AlertName).Str("metric", lr.expr.Metric).Msg("Row missing metric value, skipped")
			continue
		}
		cur[Fingerprint(lr.rule.AlertName, labels)] = activeRow{labels: labels, value: value}
	}

	e.instMu.Lock()
	defer e.instMu.Unlock()

	for fp, row := range cur {
		inst, ok := e.instances[fp]
		if !ok {
			e.instances[fp] = &models.AlarmInstance{
				Fingerprint:    fp,
				AlertName:      lr.rule.AlertName,
				State:          models.StatePending,
				StateChangedAt: now,
				PendingStartAt: now,
				Labels:         e.finalLabels(lr, row),
				Annotations:    e.annotations(lr, e.finalLabels(lr, row)),
				Value:          row.value,
			}
			inst = e.instances[fp]
			if lr.hold <= 0 {
				e.fire(lr, inst, now)
			}
			continue
		}

		inst.Value = row.value
		inst.Labels["value"] = formatValue(row.value)
		if inst.State == models.StatePending && now.Sub(inst.PendingStartAt) >= lr.hold {
			e.fire(lr, inst, now)
		}
	}

	prefix := "alertname=" + lr.rule.AlertName + ","
	for fp, inst := range e.instances {
		if _, active := cur[fp]; active {
			continue
		}
		if len(fp) < len(prefix) || fp[:len(prefix)] != prefix {
			continue
		}
		if inst.State == models.StateFiring {
			e.resolve(inst, now)
		}
		delete(e.instances, fp)
	}
}

// fire transitions PENDING→FIRING and emits the firing event. Caller holds
// instMu.
func (e *Engine) fire(lr loadedRule, inst *models.AlarmInstance, now time.Time) {
	inst.State = models.StateFiring
	inst.StateChangedAt = now
	inst.Annotations = e.annotations(lr, inst.Labels)

	event := &models.AlarmEvent{
		Fingerprint:  inst.Fingerprint,
		Status:       models.StatusFiring,
		Labels:       inst.Labels,
		Annotations:  inst.Annotations,
		StartsAt:     inst.PendingStartAt,
		GeneratorURL: e.generatorURL,
	}
	telemetry.EventsEmitted.WithLabelValues(string(models.StatusFiring)).Inc()
	log.Info().Str("fingerprint", inst.Fingerprint).Str("alert_name", inst.AlertName).Msg("Alarm firing")
	e.publisher.Publish(event.Clone())
}

// resolve emits the resolved event for a firing instance. Caller holds
// instMu; the instance is deleted by the caller.
func (e *Engine) resolve(inst *models.AlarmInstance, now time.Time) {
	inst.State = models.StateResolved
	inst.StateChangedAt = now

	ends := now
	event := &models.AlarmEvent{
		Fingerprint:  inst.Fingerprint,
		Status:       models.StatusResolved,
		Labels:       inst.Labels,
		Annotations:  inst.Annotations,
		StartsAt:     inst.PendingStartAt,
		EndsAt:       &ends,
		GeneratorURL: e.generatorURL,
	}
	telemetry.EventsEmitted.WithLabelValues(string(models.StatusResolved)).Inc()
	log.Info().Str("fingerprint", inst.Fingerprint).Str("alert_name", inst.AlertName).Msg("Alarm resolved")
	e.publisher.Publish(event.Clone())
}

// finalLabels merges the row labels with the rule-injected ones.
func (e *Engine) finalLabels(lr loadedRule, row activeRow) map[string]string {
	labels := make(map[string]string, len(row.labels)+4)
	for k, v := range row.labels {
		labels[k] = v
	}
	labels["alertname"] = lr.rule.AlertName
	labels["severity"] = lr.rule.Severity
	labels["alert_type"] = lr.rule.AlertType
	labels["value"] = formatValue(row.value)
	return labels
}

func (e *Engine) annotations(lr loadedRule, labels map[string]string) map[string]string {
	return map[string]string{
		"summary":     ExpandTemplate(lr.rule.Summary, labels),
		"description": ExpandTemplate(lr.rule.Description, labels),
	}
}

// Instances returns a snapshot copy of the current alarm instances.
func (e *Engine) Instances() []*models.AlarmInstance {
	e.instMu.Lock()
	defer e.instMu.Unlock()

	out := make([]*models.AlarmInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.Clone())
	}
	return out
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func floatField(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case int:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
