package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// durationField describes how one settings duration is read.
type durationField struct {
	path string
	def  time.Duration
	// keepZero makes an explicit "0" mean zero (disabled) instead of def.
	keepZero bool
}

// parse reads raw as a non-negative Go duration or a whole number of days
// ("7d"). An empty value yields def.
func (f durationField) parse(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return f.def, nil
	}
	var (
		d   time.Duration
		err error
	)
	if n, ok := strings.CutSuffix(s, "d"); ok {
		var days int
		days, err = strconv.Atoi(n)
		d = time.Duration(days) * day
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", f.path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", f.path)
	}
	if d == 0 && !f.keepZero {
		return f.def, nil
	}
	return d, nil
}
