package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
	"github.com/gridwatch/gridwatch/internal/telemetry"
	"github.com/gridwatch/gridwatch/internal/tsdb"
)

const (
	defaultMetricsRange = 10 * time.Minute
	defaultBMCRange     = time.Hour
)

type heartbeatRequest struct {
	APIVersion int            `json:"api_version"`
	Data       models.BoxInfo `json:"data"`
}

func (h *Handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat body")
		return
	}
	if req.Data.HostIP == "" {
		writeError(w, http.StatusBadRequest, "heartbeat missing host_ip")
		return
	}
	h.nodes.UpsertHeartbeat(req.Data)
	telemetry.Heartbeats.Inc()
	writeSuccess(w, nil)
}

type resourceRequest struct {
	APIVersion int `json:"api_version"`
	Data       struct {
		HostIP   string                  `json:"host_ip"`
		Resource models.ResourceSnapshot `json:"resource"`
	} `json:"data"`
}

func (h *Handlers) handleResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resource body")
		return
	}
	if req.Data.HostIP == "" {
		writeError(w, http.StatusBadRequest, "resource missing host_ip")
		return
	}

	if err := h.ts.InsertSnapshot(r.Context(), req.Data.HostIP, &req.Data.Resource); err != nil {
		log.Error().Err(err).Str("host_ip", req.Data.HostIP).Msg("Resource snapshot insert failed")
		writeError(w, http.StatusInternalServerError, "resource insert failed")
		return
	}
	telemetry.ResourceSnapshots.Inc()
	writeSuccess(w, nil)
}

func (h *Handlers) handleNode(w http.ResponseWriter, r *http.Request) {
	hostIP := r.URL.Query().Get("host_ip")
	if hostIP != "" {
		node, ok := h.nodes.Get(hostIP)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown node "+hostIP)
			return
		}
		writeSuccess(w, node)
		return
	}

	nodes := h.nodes.SnapshotAll()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].HostIP < nodes[j].HostIP })
	writeSuccess(w, nodes)
}

type nodeMetricsResponse struct {
	Nodes      []models.NodeResourceSample `json:"nodes"`
	Pagination models.Pagination           `json:"pagination"`
}

// handleNodeMetrics returns the latest sample of each known node, one page
// at a time in host order.
func (h *Handlers) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)

	nodes := h.nodes.SnapshotAll()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].HostIP < nodes[j].HostIP })

	pagination := models.NewPagination(page, pageSize, int64(len(nodes)))
	start := (page - 1) * pageSize
	if start > len(nodes) {
		start = len(nodes)
	}
	end := start + pageSize
	if end > len(nodes) {
		end = len(nodes)
	}

	samples := make([]models.NodeResourceSample, 0, end-start)
	for _, node := range nodes[start:end] {
		sample, err := h.ts.Latest(r.Context(), node.HostIP)
		if err != nil {
			log.Warn().Err(err).Str("host_ip", node.HostIP).Msg("Latest sample query failed")
			sample = &models.NodeResourceSample{HostIP: node.HostIP}
		}
		samples = append(samples, *sample)
	}

	setPaginationHeaders(w, pagination)
	writeSuccess(w, nodeMetricsResponse{Nodes: samples, Pagination: pagination})
}

func (h *Handlers) handleHistoricalMetrics(w http.ResponseWriter, r *http.Request) {
	hostIP := r.URL.Query().Get("host_ip")
	if hostIP == "" {
		writeError(w, http.StatusBadRequest, "host_ip is required")
		return
	}
	span := ParseTimeRange(r.URL.Query().Get("time_range"), defaultMetricsRange)
	families, err := familiesParam(r.URL.Query().Get("metrics"), tsdb.ResourceFamilyNames)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.ts.Range(r.Context(), hostIP, span, families)
	if err != nil {
		log.Error().Err(err).Str("host_ip", hostIP).Msg("Historical metrics query failed")
		writeError(w, http.StatusInternalServerError, "historical metrics query failed")
		return
	}
	writeSuccess(w, map[string]any{
		"host_ip":    hostIP,
		"time_range": span.String(),
		"metrics":    rows,
	})
}

func (h *Handlers) handleHistoricalBMC(w http.ResponseWriter, r *http.Request) {
	boxID, err := strconv.Atoi(r.URL.Query().Get("box_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "box_id is required")
		return
	}
	span := ParseTimeRange(r.URL.Query().Get("time_range"), defaultBMCRange)
	families, err := familiesParam(r.URL.Query().Get("metrics"), tsdb.BMCShortNames)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.ts.RangeBMC(r.Context(), boxID, span, families)
	if err != nil {
		log.Error().Err(err).Int("box_id", boxID).Msg("Historical BMC query failed")
		writeError(w, http.StatusInternalServerError, "historical bmc query failed")
		return
	}
	writeSuccess(w, map[string]any{
		"box_id":     boxID,
		"time_range": span.String(),
		"metrics":    rows,
	})
}

// familiesParam parses the comma-separated ?metrics= filter against the
// allowed set; empty means the full set.
func familiesParam(raw string, allowed []string) ([]string, error) {
	if raw == "" {
		return allowed, nil
	}
	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if !permitted[name] {
			return nil, &badFamilyError{name: name}
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return allowed, nil
	}
	return out, nil
}

type badFamilyError struct{ name string }

func (e *badFamilyError) Error() string { return "unknown metric family " + e.name }
