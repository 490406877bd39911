package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// QueryDuration reads a duration query parameter. Bare numbers are seconds,
// anything else is parsed with time.ParseDuration. A missing parameter
// returns the fallback.
func QueryDuration(r *http.Request, key string, fallback time.Duration) (time.Duration, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback, nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("%s query parameter should be positive", key)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s query parameter: %q", key, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s query parameter should be positive", key)
	}
	return d, nil
}

// QueryString reads a query parameter and falls back when it's blank.
func QueryString(r *http.Request, key, fallback string) string {
	if value := r.URL.Query().Get(key); value != "" {
		return value
	}
	return fallback
}
