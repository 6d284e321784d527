package httpserver

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var (
	limitPattern  = regexp.MustCompile(`^[1-9][0-9]*$`)
	offsetPattern = regexp.MustCompile(`^([1-9][0-9]*|0)$`)
)

// DefaultLimit and MaxLimit bound the ticket listing endpoint (spec.md §4.1: List).
const (
	DefaultLimit = 1000
	MaxLimit     = 1000
)

// ListParams holds the parsed, validated query parameters for
// GET /servers/{server}/tickets (spec.md §6).
type ListParams struct {
	Limit     int
	Offset    int
	Attribute string
	Order     string
}

// ParseListParams extracts and validates list query parameters per the
// rules in spec.md §6: limit matches ^[1-9][0-9]*$ and is <=1000; offset
// matches ^([1-9][0-9]*|0)$; attribute/order are trimmed strings.
func ParseListParams(r *http.Request) (ListParams, error) {
	p := ListParams{
		Limit:     DefaultLimit,
		Offset:    0,
		Attribute: "created_at",
		Order:     "ASC",
	}

	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		if !limitPattern.MatchString(v) {
			return p, fmt.Errorf("limit must match %s", limitPattern.String())
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("limit must be an integer")
		}
		if n > MaxLimit {
			return p, fmt.Errorf("limit must not exceed %d", MaxLimit)
		}
		p.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		if !offsetPattern.MatchString(v) {
			return p, fmt.Errorf("offset must match %s", offsetPattern.String())
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("offset must be an integer")
		}
		p.Offset = n
	}

	if v := strings.TrimSpace(q.Get("attribute")); v != "" {
		p.Attribute = v
	}

	if v := strings.TrimSpace(q.Get("order")); v != "" {
		p.Order = strings.ToUpper(v)
	}

	if p.Order != "ASC" && p.Order != "DESC" {
		return p, fmt.Errorf("order must be one of: ASC, DESC")
	}

	return p, nil
}
