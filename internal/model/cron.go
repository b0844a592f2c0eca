package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat     = errors.New("invalid ISO8601 duration")
	ErrEmptySchedule = errors.New("both cron and duration are empty")
	ErrBothSchedule  = errors.New("only one of cron and duration may be set")
)

// Schedule is a parsed sync.* configuration. Exactly one field is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

// ParseSchedule validates the sync section.
func ParseSchedule(s Sync) (Schedule, error) {
	c, d := strings.TrimSpace(s.Cron), strings.TrimSpace(s.Duration)
	switch {
	case c != "" && d != "":
		return Schedule{}, ErrBothSchedule
	case c != "":
		if _, err := ParseCron(c); err != nil {
			return Schedule{}, fmt.Errorf("parsing sync.cron: %w", err)
		}
		return Schedule{Cron: c}, nil
	case d != "":
		every, err := ParseISODuration(d)
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing sync.duration: %w", err)
		}
		if every <= 0 {
			return Schedule{}, fmt.Errorf("parsing sync.duration: %w: must be positive", ErrISOFormat)
		}
		return Schedule{Every: every}, nil
	default:
		return Schedule{}, ErrEmptySchedule
	}
}

// ParseCron parses a cron expression that have 5 fields or a @macro and
// returns the interval between two following activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard (it also supports plain 5-field specs).
	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration parses the day and time subset of ISO8601 durations,
// e.g. PT5M, P1DT12H or PT0.5S. Months and years are rejected, they have no
// fixed length.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// without T, P2M would mean two months
	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS = true
			unit = time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, ErrISOFormat
			}
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}

		num, frac, err := splitDecimal(part)
		if err != nil {
			return 0, err
		}
		add := time.Duration(num)*unit + time.Duration(frac*float64(unit))
		if ret > time.Duration(math.MaxInt64)-add {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		ret += add
	}

	// eg P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitDecimal(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, ferr := strconv.Atoi(b)
		if ferr != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", ferr)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
