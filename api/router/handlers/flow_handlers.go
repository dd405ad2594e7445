package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"flowproxy/core"
	"flowproxy/logger"
	"flowproxy/models"

	"github.com/go-chi/chi/v5"
)

// FlowHandlers serves the session's flow view.
type FlowHandlers struct {
	Session *core.Session
}

// ListFlows returns flow summaries in capture order, paginated and filtered.
// @Summary List captured flows
// @Tags Flows
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Records per page" default(50)
// @Param method query string false "Request method"
// @Param host query string false "Request host"
// @Param status query string false "Status code, class such as 4xx, or error"
// @Param search query string false "URL substring"
// @Success 200 {object} models.PaginatedResponse
// @Router /flows [get]
func (h *FlowHandlers) ListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.FlowFilters{
		Page:         queryInt(r, "page", 1),
		Limit:        queryInt(r, "limit", 50),
		FilterMethod: q.Get("method"),
		FilterHost:   q.Get("host"),
		FilterStatus: q.Get("status"),
		FilterSearch: q.Get("search"),
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}

	var matched []models.FlowSummary
	for _, f := range h.Session.View.List() {
		if s := f.Summary(); filters.Match(s) {
			matched = append(matched, s)
		}
	}

	page := []models.FlowSummary{}
	if off := filters.Offset(); off < len(matched) {
		end := off + filters.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page = matched[off:end]
	}
	writeJSON(w, http.StatusOK, models.NewPaginatedResponse(filters.Page, filters.Limit, len(matched), page))
}

// FlowDetail is a full flow. With decoding requested, the bodies are also
// given as text with their Content-Encoding undone.
type FlowDetail struct {
	*models.Flow
	RequestText  *string `json:"request_text,omitempty"`
	ResponseText *string `json:"response_text,omitempty"`
	DecodeError  string  `json:"decode_error,omitempty"`
}

// GetFlow returns one flow.
// @Summary Get a flow
// @Tags Flows
// @Produce json
// @Param flowID path string true "Flow ID"
// @Param decode query bool false "Decode bodies"
// @Success 200 {object} FlowDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /flows/{flowID} [get]
func (h *FlowHandlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	detail := FlowDetail{Flow: f.Snapshot()}
	if queryBool(r, "decode") {
		var errs []string
		if req := detail.Request; req != nil {
			if text, err := decodedText(req.DecodedContent()); err != nil {
				errs = append(errs, "request: "+err.Error())
			} else {
				detail.RequestText = &text
			}
		}
		if resp := detail.Response; resp != nil {
			if text, err := decodedText(resp.DecodedContent()); err != nil {
				errs = append(errs, "response: "+err.Error())
			} else {
				detail.ResponseText = &text
			}
		}
		detail.DecodeError = strings.Join(errs, "; ")
	}
	writeJSON(w, http.StatusOK, detail)
}

func decodedText(body []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(body), "�"), nil
}

// ReplayFlow sends a finished flow's request again. With async=true the
// replay is scheduled and 202 returned at once.
// @Summary Replay a flow
// @Tags Flows
// @Produce json
// @Param flowID path string true "Flow ID"
// @Param async query bool false "Return before the replay completes"
// @Success 200 {object} FlowDetail
// @Success 202 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} FlowDetail
// @Router /flows/{flowID}/replay [post]
func (h *FlowHandlers) ReplayFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if queryBool(r, "async") {
		done := h.Session.ReplayAsync(context.Background(), f)
		select {
		case err := <-done:
			if isReplayConflict(err) {
				writeError(w, http.StatusConflict, "cannot replay flow %s: %v", f.ID, err)
				return
			}
		default:
		}
		logger.Info("Replay of flow %s scheduled via API", f.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": f.ID, "status": "scheduled"})
		return
	}

	err := h.Session.Replay(r.Context(), f)
	switch {
	case isReplayConflict(err):
		writeError(w, http.StatusConflict, "cannot replay flow %s: %v", f.ID, err)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, FlowDetail{Flow: f.Snapshot()})
	default:
		writeJSON(w, http.StatusOK, FlowDetail{Flow: f.Snapshot()})
	}
}

func isReplayConflict(err error) bool {
	return errors.Is(err, core.ErrFlowLive) || errors.Is(err, core.ErrReplayInProgress)
}

// ListEvents returns the connection event log, oldest first.
// @Summary List connection events
// @Tags Events
// @Produce json
// @Param kind query string false "Only events of this kind"
// @Success 200 {array} core.Event
// @Router /events [get]
func (h *FlowHandlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events := h.Session.Events.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *FlowHandlers) lookup(w http.ResponseWriter, r *http.Request) (*models.Flow, bool) {
	id := chi.URLParam(r, "flowID")
	f, ok := h.Session.View.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "flow %s not found", id)
		return nil, false
	}
	return f, true
}
