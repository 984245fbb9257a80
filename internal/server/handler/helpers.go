package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// writeJSON marshals v and writes it with status. A marshal failure becomes
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts reads limit, offset, asset, status and since from the query
// string. Defaults: limit=50 (max 500), offset=0. since accepts RFC 3339 or
// a duration such as 24h measured back from now.
func parseListOpts(r *http.Request, now time.Time) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, errBadParam("limit")
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errBadParam("offset")
		}
		opts.Offset = n
	}
	if v := q.Get("asset"); v != "" {
		opts.Asset = domain.Asset(strings.ToUpper(v))
	}
	if v := q.Get("status"); v != "" {
		switch s := domain.TradeStatus(v); s {
		case domain.TradeSuccess, domain.TradePartialFill, domain.TradeCleanFailure:
			opts.Status = s
		default:
			return opts, errBadParam("status")
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, now)
		if err != nil {
			return opts, errBadParam("since")
		}
		opts.Since = &since
	}
	return opts, nil
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, errBadParam("since")
	}
	return now.Add(-d), nil
}

type errBadParam string

func (e errBadParam) Error() string { return "invalid " + string(e) + " parameter" }
