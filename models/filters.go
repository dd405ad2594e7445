package models

import (
	"strconv"
	"strings"
	"time"
)

// FlowFilters defines parameters for filtering flow listings.
type FlowFilters struct {
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
	FilterMethod string `json:"method,omitempty"`
	FilterHost   string `json:"host,omitempty"`
	FilterStatus string `json:"status,omitempty"` // exact code, or "2xx" style class, or "error"
	FilterSearch string `json:"search,omitempty"` // substring of the URL
}

// Offset is the index of the first record on the requested page.
func (f FlowFilters) Offset() int {
	if f.Page <= 1 || f.Limit <= 0 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Match reports whether the summary passes every set filter.
func (f FlowFilters) Match(s FlowSummary) bool {
	if f.FilterMethod != "" && !strings.EqualFold(f.FilterMethod, s.Method) {
		return false
	}
	if f.FilterHost != "" && !strings.EqualFold(f.FilterHost, s.Host) {
		return false
	}
	if f.FilterSearch != "" && !strings.Contains(strings.ToLower(s.URL), strings.ToLower(f.FilterSearch)) {
		return false
	}
	switch st := strings.ToLower(f.FilterStatus); {
	case st == "":
	case st == "error":
		return s.Error != ""
	case len(st) == 3 && strings.HasSuffix(st, "xx"):
		return s.StatusCode/100 == int(st[0]-'0')
	default:
		code, err := strconv.Atoi(st)
		return err == nil && code == s.StatusCode
	}
	return true
}

// PaginatedResponse is a generic structure for paginated API responses.
type PaginatedResponse struct {
	Page         int         `json:"page"`
	Limit        int         `json:"limit"`
	TotalRecords int         `json:"total_records"`
	TotalPages   int         `json:"total_pages"`
	Records      interface{} `json:"records"`
}

// NewPaginatedResponse wraps one page of records.
func NewPaginatedResponse(page, limit, total int, records interface{}) PaginatedResponse {
	pages := 1
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	if page < 1 {
		page = 1
	}
	return PaginatedResponse{Page: page, Limit: limit, TotalRecords: total, TotalPages: pages, Records: records}
}

// FlowSummary is the one-line view of a flow used by listings.
type FlowSummary struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Method        string    `json:"method" example:"GET"`
	Host          string    `json:"host" example:"example.com"`
	URL           string    `json:"url" example:"https://example.com/"`
	StatusCode    int       `json:"status_code,omitempty" example:"200"`
	ResponseBytes int       `json:"response_bytes"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Killed        bool      `json:"killed,omitempty"`
	Live          bool      `json:"live"`
}

// Summary condenses the flow for listings.
func (f *Flow) Summary() FlowSummary {
	snap := f.Snapshot()
	s := FlowSummary{ID: snap.ID, Killed: snap.Killed}
	if req := snap.Request; req != nil {
		s.Timestamp = req.TimestampStart
		s.Method = req.Method
		s.Host = req.Host
		s.URL = req.URL()
	}
	if resp := snap.Response; resp != nil {
		s.StatusCode = resp.StatusCode
		s.ResponseBytes = len(resp.Content)
		if snap.Request != nil && !resp.TimestampEnd.IsZero() {
			s.DurationMs = resp.TimestampEnd.Sub(snap.Request.TimestampStart).Milliseconds()
		}
	}
	if snap.Error != nil {
		s.Error = snap.Error.Msg
	}
	s.Live = snap.Response == nil && snap.Error == nil
	return s
}
