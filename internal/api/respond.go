package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
)

// APIVersion is carried in every request and response envelope.
const APIVersion = 1

type successEnvelope struct {
	APIVersion int    `json:"api_version"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(successEnvelope{APIVersion: APIVersion, Status: "success", Data: data}); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: msg}); err != nil {
		log.Error().Err(err).Msg("Error response encoding failed")
	}
}

// setPaginationHeaders mirrors the body's pagination object into response
// headers for clients that only look at headers.
func setPaginationHeaders(w http.ResponseWriter, p models.Pagination) {
	h := w.Header()
	h.Set("X-Page", strconv.Itoa(p.Page))
	h.Set("X-Page-Size", strconv.Itoa(p.PageSize))
	h.Set("X-Total-Count", strconv.FormatInt(p.Total, 10))
	h.Set("X-Total-Pages", strconv.Itoa(p.TotalPages))
	h.Set("X-Has-Next", strconv.FormatBool(p.HasNext))
	h.Set("X-Has-Prev", strconv.FormatBool(p.HasPrev))
}

// pageParams reads and clamps ?page= and ?page_size=.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return models.ClampPage(page, pageSize)
}
