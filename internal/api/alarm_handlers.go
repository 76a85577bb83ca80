package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
	"github.com/gridwatch/gridwatch/internal/rules"
	"github.com/gridwatch/gridwatch/internal/rulestore"
)

type ruleRequest struct {
	APIVersion int              `json:"api_version"`
	Data       models.AlarmRule `json:"data"`
}

// validateRule rejects rules that the engine would refuse at load time.
func validateRule(rule *models.AlarmRule) error {
	if rule.AlertName == "" {
		return errors.New("alert_name is required")
	}
	if _, err := rules.ParseExpression(rule.Expression); err != nil {
		return err
	}
	return nil
}

func (h *Handlers) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule body")
		return
	}
	if err := validateRule(&req.Data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.rules.Create(r.Context(), &req.Data)
	if err != nil {
		if errors.Is(err, rulestore.ErrDuplicateName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("alert_name", req.Data.AlertName).Msg("Rule create failed")
		writeError(w, http.StatusInternalServerError, "rule create failed")
		return
	}
	writeSuccess(w, created)
}

type ruleListResponse struct {
	Rules      []models.AlarmRule `json:"rules"`
	Pagination models.Pagination  `json:"pagination"`
}

func (h *Handlers) handleRuleList(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled_only"))

	list, pagination, err := h.rules.ListPaginated(r.Context(), page, pageSize, enabledOnly)
	if err != nil {
		log.Error().Err(err).Msg("Rule list failed")
		writeError(w, http.StatusInternalServerError, "rule list failed")
		return
	}
	setPaginationHeaders(w, pagination)
	writeSuccess(w, ruleListResponse{Rules: list, Pagination: pagination})
}

func (h *Handlers) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, rulestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		log.Error().Err(err).Str("id", r.PathValue("id")).Msg("Rule get failed")
		writeError(w, http.StatusInternalServerError, "rule get failed")
		return
	}
	writeSuccess(w, rule)
}

func (h *Handlers) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule body")
		return
	}
	req.Data.ID = r.PathValue("id")
	if err := validateRule(&req.Data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.rules.Update(r.Context(), &req.Data)
	if err != nil {
		switch {
		case errors.Is(err, rulestore.ErrNotFound):
			writeError(w, http.StatusNotFound, "rule not found")
		case errors.Is(err, rulestore.ErrDuplicateName):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("id", req.Data.ID).Msg("Rule update failed")
			writeError(w, http.StatusInternalServerError, "rule update failed")
		}
		return
	}
	writeSuccess(w, updated)
}

func (h *Handlers) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, rulestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		log.Error().Err(err).Str("id", r.PathValue("id")).Msg("Rule delete failed")
		writeError(w, http.StatusInternalServerError, "rule delete failed")
		return
	}
	writeSuccess(w, nil)
}

type eventListResponse struct {
	Events     []models.PersistedAlarmEvent `json:"events"`
	Pagination *models.Pagination           `json:"pagination,omitempty"`
}

// handleEventList serves both the paginated listing and, when ?limit= is
// present without paging, the most-recent-N form.
func (h *Handlers) handleEventList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("limit") != "" && q.Get("page") == "" && q.Get("page_size") == "" {
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		events, err := h.events.ListRecent(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("Recent event list failed")
			writeError(w, http.StatusInternalServerError, "event list failed")
			return
		}
		writeSuccess(w, eventListResponse{Events: events})
		return
	}

	page, pageSize := pageParams(r)
	events, pagination, err := h.events.ListPaginated(r.Context(), page, pageSize, q.Get("status"))
	if err != nil {
		log.Error().Err(err).Msg("Event list failed")
		writeError(w, http.StatusInternalServerError, "event list failed")
		return
	}
	setPaginationHeaders(w, pagination)
	writeSuccess(w, eventListResponse{Events: events, Pagination: &pagination})
}

func (h *Handlers) handleEventCount(w http.ResponseWriter, r *http.Request) {
	var (
		count int64
		err   error
	)
	status := r.URL.Query().Get("status")
	switch status {
	case string(models.StatusFiring):
		count, err = h.events.CountActive(r.Context())
	case "":
		count, err = h.events.CountTotal(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "unsupported status filter "+status)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Event count failed")
		writeError(w, http.StatusInternalServerError, "event count failed")
		return
	}
	writeSuccess(w, map[string]int64{"count": count})
}

// handleInstanceList exposes the engine's live alarm instances.
func (h *Handlers) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	if h.instances == nil {
		writeSuccess(w, []*models.AlarmInstance{})
		return
	}
	writeSuccess(w, h.instances.Instances())
}
