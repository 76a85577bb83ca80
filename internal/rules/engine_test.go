package rules

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/internal/models"
)

type fakeSource struct {
	mu    sync.Mutex
	rules []models.AlarmRule
	err   error
}

func (f *fakeSource) ListEnabled(context.Context) ([]models.AlarmRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, f.err
}

type fakeBus struct {
	mu     sync.Mutex
	events []*models.AlarmEvent
}

func (f *fakeBus) Publish(event *models.AlarmEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBus) all() []*models.AlarmEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AlarmEvent(nil), f.events...)
}

// queryStub returns a fixed row set per call, swappable between ticks.
type queryStub struct {
	mu   sync.Mutex
	rows []map[string]any
}

func (q *queryStub) set(rows []map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = rows
}

func (q *queryStub) fn(context.Context, string) ([]map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows, nil
}

func highCPURule(forDuration string) models.AlarmRule {
	return models.AlarmRule{
		ID:          "r1",
		AlertName:   "HighCPU",
		Expression:  json.RawMessage(`{"stable":"cpu","metric":"usage_percent","operator":">","threshold":80}`),
		ForDuration: forDuration,
		Severity:    "critical",
		AlertType:   "resource",
		Summary:     "CPU high on {{host_ip}}",
		Description: "usage is {{value}}",
		Enabled:     true,
	}
}

func hotRow(hostIP string, value float64) map[string]any {
	return map[string]any{"usage_percent": value, "host_ip": hostIP, "ts": time.Now()}
}

func newTestEngine(src *fakeSource, q *queryStub, bus *fakeBus) *Engine {
	return NewEngine(src, q.fn, bus, Config{Interval: time.Second, Database: "gridwatch_ts"})
}

// Simple firing: sustained breach fires once after the hold time with the
// canonical fingerprint and injected labels.
func TestEngineFiresAfterHold(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("2s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90)})
	e.EvaluateOnce(context.Background())
	assert.Empty(t, bus.all(), "first tick is pending, no event")

	insts := e.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, models.StatePending, insts[0].State)

	// Backdate the pending start so the hold has elapsed.
	e.instMu.Lock()
	for _, inst := range e.instances {
		inst.PendingStartAt = inst.PendingStartAt.Add(-3 * time.Second)
	}
	e.instMu.Unlock()

	e.EvaluateOnce(context.Background())
	events := bus.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.StatusFiring, ev.Status)
	assert.Equal(t, "alertname=HighCPU,host_ip=10.0.0.1", ev.Fingerprint)
	assert.Equal(t, "critical", ev.Labels["severity"])
	assert.Equal(t, "90", ev.Labels["value"])
	assert.Equal(t, "CPU high on 10.0.0.1", ev.Annotations["summary"])
	assert.Equal(t, "usage is 90", ev.Annotations["description"])
	assert.Nil(t, ev.EndsAt)

	// Still firing: no duplicate event.
	e.EvaluateOnce(context.Background())
	assert.Len(t, bus.all(), 1)
}

// Pending-then-gone: a breach shorter than the hold emits nothing.
func TestEnginePendingThenGone(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("2s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90)})
	e.EvaluateOnce(context.Background())

	q.set(nil)
	e.EvaluateOnce(context.Background())

	assert.Empty(t, bus.all())
	assert.Empty(t, e.Instances(), "pending instance dropped silently")
}

// Firing-then-resolved: once firing, an empty active set resolves exactly
// once.
func TestEngineFiringThenResolved(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("0s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90)})
	e.EvaluateOnce(context.Background())
	require.Len(t, bus.all(), 1, "zero hold fires on the first tick")

	q.set(nil)
	e.EvaluateOnce(context.Background())
	events := bus.all()
	require.Len(t, events, 2)
	resolved := events[1]
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, "alertname=HighCPU,host_ip=10.0.0.1", resolved.Fingerprint)
	require.NotNil(t, resolved.EndsAt)
	assert.WithinDuration(t, time.Now(), *resolved.EndsAt, 2*time.Second)

	// Subsequent empty ticks stay quiet.
	e.EvaluateOnce(context.Background())
	assert.Len(t, bus.all(), 2)
	assert.Empty(t, e.Instances())
}

func TestEngineUpdatesValueWhilePending(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("1h")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 85)})
	e.EvaluateOnce(context.Background())

	q.set([]map[string]any{hotRow("10.0.0.1", 97)})
	e.EvaluateOnce(context.Background())

	insts := e.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, models.StatePending, insts[0].State)
	assert.Equal(t, 97.0, insts[0].Value)
	assert.Equal(t, "97", insts[0].Labels["value"])
	assert.Empty(t, bus.all())
}

func TestEngineSkipsUnparsableRule(t *testing.T) {
	bad := highCPURule("2s")
	bad.AlertName = "Broken"
	bad.Expression = json.RawMessage(`{"stable":"cpu"}`)
	src := &fakeSource{rules: []models.AlarmRule{bad, highCPURule("0s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90)})
	e.EvaluateOnce(context.Background())

	events := bus.all()
	require.Len(t, events, 1, "good rule still evaluated")
	assert.Equal(t, "HighCPU", events[0].Labels["alertname"])
}

func TestEngineQueryErrorLeavesInstancesUntouched(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("0s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90)})
	e.EvaluateOnce(context.Background())
	require.Len(t, bus.all(), 1)

	failing := func(context.Context, string) ([]map[string]any, error) {
		return nil, assert.AnError
	}
	e.query = failing
	e.EvaluateOnce(context.Background())

	assert.Len(t, bus.all(), 1, "no resolved event on query failure")
	require.Len(t, e.Instances(), 1)
	assert.Equal(t, models.StateFiring, e.Instances()[0].State)
}

func TestEngineSeparateEntitiesSeparateFingerprints(t *testing.T) {
	src := &fakeSource{rules: []models.AlarmRule{highCPURule("0s")}}
	q := &queryStub{}
	bus := &fakeBus{}
	e := newTestEngine(src, q, bus)

	q.set([]map[string]any{hotRow("10.0.0.1", 90), hotRow("10.0.0.2", 95)})
	e.EvaluateOnce(context.Background())

	events := bus.all()
	require.Len(t, events, 2)
	fps := map[string]bool{events[0].Fingerprint: true, events[1].Fingerprint: true}
	assert.True(t, fps["alertname=HighCPU,host_ip=10.0.0.1"])
	assert.True(t, fps["alertname=HighCPU,host_ip=10.0.0.2"])
}
