// Package api exposes the HTTP surface: telemetry ingestion, node and
// metric queries, and alarm rule/event management.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gridwatch/gridwatch/internal/models"
)

// NodeRegistry is the node surface the API reads and feeds.
type NodeRegistry interface {
	UpsertHeartbeat(info models.BoxInfo)
	Get(hostIP string) (*models.NodeRecord, bool)
	SnapshotAll() []models.NodeRecord
}

// TimeSeries is the metric surface behind ingestion and range queries.
type TimeSeries interface {
	InsertSnapshot(ctx context.Context, hostIP string, snap *models.ResourceSnapshot) error
	Latest(ctx context.Context, hostIP string) (*models.NodeResourceSample, error)
	Range(ctx context.Context, hostIP string, span time.Duration, families []string) (map[string][]models.FamilyRow, error)
	RangeBMC(ctx context.Context, boxID int, span time.Duration, families []string) (map[string][]models.FamilyRow, error)
}

// RuleStore is the alarm rule CRUD surface.
type RuleStore interface {
	Create(ctx context.Context, rule *models.AlarmRule) (*models.AlarmRule, error)
	Get(ctx context.Context, id string) (*models.AlarmRule, error)
	Update(ctx context.Context, rule *models.AlarmRule) (*models.AlarmRule, error)
	Delete(ctx context.Context, id string) error
	ListPaginated(ctx context.Context, page, pageSize int, enabledOnly bool) ([]models.AlarmRule, models.Pagination, error)
}

// EventStore is the alarm event read surface.
type EventStore interface {
	ListRecent(ctx context.Context, limit int) ([]models.PersistedAlarmEvent, error)
	ListPaginated(ctx context.Context, page, pageSize int, statusFilter string) ([]models.PersistedAlarmEvent, models.Pagination, error)
	CountActive(ctx context.Context) (int64, error)
	CountTotal(ctx context.Context) (int64, error)
}

// InstanceSource exposes the engine's live alarm instances.
type InstanceSource interface {
	Instances() []*models.AlarmInstance
}

// Handlers bundles the API's dependencies.
type Handlers struct {
	nodes     NodeRegistry
	ts        TimeSeries
	rules     RuleStore
	events    EventStore
	instances InstanceSource
}

// NewHandlers wires the handler set. instances may be nil.
func NewHandlers(nodes NodeRegistry, ts TimeSeries, rules RuleStore, events EventStore, instances InstanceSource) *Handlers {
	return &Handlers{nodes: nodes, ts: ts, rules: rules, events: events, instances: instances}
}

// Router builds the route table.
func (h *Handlers) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /resource", h.handleResource)
	mux.HandleFunc("GET /node", h.handleNode)
	mux.HandleFunc("GET /node/metrics", h.handleNodeMetrics)
	mux.HandleFunc("GET /node/historical-metrics", h.handleHistoricalMetrics)
	mux.HandleFunc("GET /node/historical-bmc", h.handleHistoricalBMC)

	mux.HandleFunc("POST /alarm/rules", h.handleRuleCreate)
	mux.HandleFunc("GET /alarm/rules", h.handleRuleList)
	mux.HandleFunc("GET /alarm/rules/{id}", h.handleRuleGet)
	mux.HandleFunc("POST /alarm/rules/{id}/update", h.handleRuleUpdate)
	mux.HandleFunc("POST /alarm/rules/{id}/delete", h.handleRuleDelete)

	mux.HandleFunc("GET /alarm/events", h.handleEventList)
	mux.HandleFunc("GET /alarm/events/count", h.handleEventCount)
	mux.HandleFunc("GET /alarm/instances", h.handleInstanceList)

	mux.HandleFunc("GET /healthz", h.handleHealthz)

	return mux
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"state": "ok"})
}
