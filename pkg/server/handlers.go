package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/validation"
)

// DefaultLimit is the page size when a query request names none
const DefaultLimit = 100

// queryRequest is the body of the query endpoints
type queryRequest struct {
	Query    json.RawMessage `json:"query"`
	Start    int             `json:"start"`
	Limit    int             `json:"limit"`
	Explain  *bool           `json:"explain,omitempty"`
	Optimise *bool           `json:"optimise,omitempty"`
	Sequence *int64          `json:"sequence,omitempty"`
}

type queryResponse struct {
	Rows     [][]interface{} `json:"rows"`
	Start    int             `json:"start"`
	Sequence int64           `json:"sequence"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (*queryRequest, *query.Query, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return nil, nil, false
	}
	if len(req.Query) == 0 {
		s.writeError(w, http.StatusBadRequest, "Missing query")
		return nil, nil, false
	}
	q, err := query.Decode(req.Query)
	if err != nil {
		s.writeFailure(w, err)
		return nil, nil, false
	}
	return &req, q, true
}

// handleQuery runs a query and returns one page of rows
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	explain := req.Explain == nil || *req.Explain
	optimise := s.config.EverOptimise
	if req.Optimise != nil {
		optimise = *req.Optimise
	}
	sequence := int64(objectstore.AnySequence)
	if req.Sequence != nil {
		sequence = *req.Sequence
	}

	rows, err := s.store.Execute(r.Context(), q, req.Start, limit, optimise, explain, sequence)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	out := queryResponse{Rows: make([][]interface{}, 0, len(rows)), Start: req.Start, Sequence: s.store.Sequence()}
	for _, row := range rows {
		encoded, err := encodeRow(row)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		out.Rows = append(out.Rows, encoded)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func encodeRow(row models.ResultRow) ([]interface{}, error) {
	out := make([]interface{}, len(row))
	for i, v := range row {
		obj, ok := v.(*models.Object)
		if !ok {
			out[i] = v
			continue
		}
		data, err := models.EncodeObject(obj)
		if err != nil {
			return nil, err
		}
		out[i] = json.RawMessage(data)
	}
	return out, nil
}

// handleCount returns the number of rows a query produces
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	n, err := s.store.Count(r.Context(), q, objectstore.AnySequence)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// handleEstimate returns the database's estimate for a query
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	info, err := s.store.Estimate(r.Context(), q)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleGetObject retrieves a single object
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid ID")
		return
	}
	obj, err := s.store.GetObjectByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	data, err := models.EncodeObject(obj)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, json.RawMessage(data))
}

// handlePrecompute materialises a query into a precomputed table
func (s *Server) handlePrecompute(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	t, err := s.store.Precompute(r.Context(), q)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info().Str("table", t.Name).Msg("Precomputed query")
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"table":         t.Name,
		"orderby_field": t.OrderByField,
	})
}

// handleFlush drops every cache and precomputed table
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.FlushObjectByID(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Caches flushed",
		"sequence": s.store.Sequence(),
	})
}

// statusFor maps store errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case objectstore.IsQueryTooExpensive(err):
		return http.StatusUnprocessableEntity
	case objectstore.IsTranslation(err),
		errors.Is(err, query.ErrMalformed),
		errors.Is(err, validation.ErrInvalid),
		errors.Is(err, objectstore.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, objectstore.ErrNotFound):
		return http.StatusNotFound
	case objectstore.IsSequence(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	resp := errorResponse{}
	resp.Error.Message = err.Error()
	resp.Error.Status = status
	resp.Error.Code = string(objectstore.CodeOf(err))
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	resp := errorResponse{}
	resp.Error.Message = message
	resp.Error.Status = status
	s.writeJSON(w, status, resp)
}
