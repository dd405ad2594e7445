package models

import "strings"

// HeaderField is a single header line. Name keeps the case it was received with.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list. Duplicate names are allowed and lookups
// are case-insensitive.
type Headers []HeaderField

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in wire order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a field without touching existing ones.
func (h *Headers) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces all fields named name with a single field. The replacement
// takes the position of the first existing field, or goes last.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0:0]
	placed := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if !placed {
				out = append(out, HeaderField{Name: f.Name, Value: value})
				placed = true
			}
			continue
		}
		out = append(out, f)
	}
	if !placed {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	out := (*h)[:0:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// HasToken reports whether a comma-separated header such as Connection
// contains token.
func (h Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Map flattens the list into a map keyed by the received name. Order across
// names is lost; use the list itself when order matters.
func (h Headers) Map() map[string][]string {
	m := make(map[string][]string, len(h))
	for _, f := range h {
		m[f.Name] = append(m[f.Name], f.Value)
	}
	return m
}
