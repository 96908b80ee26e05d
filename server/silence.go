package server

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxSilence = 365 * 24 * time.Hour

var silenceUnits = []struct {
	pattern *regexp.Regexp
	unit    time.Duration
}{
	{regexp.MustCompile(`(\d+) ?(?:d|dy|day)s?\b`), 24 * time.Hour},
	{regexp.MustCompile(`(\d+) ?(?:h|hr|hour)s?\b`), time.Hour},
	{regexp.MustCompile(`(\d+) ?(?:m|min|minute)s?\b`), time.Minute},
	{regexp.MustCompile(`(\d+) ?(?:s|sec|second)s?\b`), time.Second},
}

// ParseSilence reads a silence length such as "1 day 2 hrs", "1d 2h 30m 10s" or a Go duration
// like "90m". Each unit is counted once; the result must be positive and at most a year.
func ParseSilence(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("please add a timeframe to silence by, e.g. 1 day, 2 hrs")
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		d = 0
		for _, u := range silenceUnits {
			m := u.pattern.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || time.Duration(n) > maxSilence/u.unit {
				return 0, fmt.Errorf("timeframe %q is too long", m[0])
			}
			d += time.Duration(n) * u.unit
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("could not read a timeframe from %q", s)
	}
	if d > maxSilence {
		return 0, fmt.Errorf("timeframe %s exceeds one year", d)
	}
	return d, nil
}
