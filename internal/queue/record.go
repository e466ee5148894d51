package queue

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is a URL together with its retry counter (spec.md §3).
type Record struct {
	URL   string `json:"url"`
	Retry int    `json:"retry"`
}

// Marshal serializes a Record as JSON. This replaces the original
// implementation's "eval the stored string as code" scheme (see
// DESIGN.md's "eval of serialized queue entries" decision) with an
// explicit, inert encoding.
func (r Record) Marshal() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalRecord parses a queue entry, accepting both the JSON
// {"url":...,"retry":...} form and the legacy bare-URL string form
// (retry defaults to 0) required by spec.md §4.2.
func UnmarshalRecord(raw string) (Record, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var r Record
		if err := json.Unmarshal([]byte(trimmed), &r); err == nil {
			return r, nil
		}
	}
	// Legacy bare-string form, optionally "url\tretry" for callers that
	// pre-date structured entries entirely.
	if idx := strings.LastIndexByte(trimmed, '\t'); idx >= 0 {
		if retry, err := strconv.Atoi(trimmed[idx+1:]); err == nil {
			return Record{URL: trimmed[:idx], Retry: retry}, nil
		}
	}
	return Record{URL: trimmed, Retry: 0}, nil
}
