package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind classifies a schedule string.
type ScheduleKind int

const (
	KindCron        ScheduleKind = iota // 5 fields, minute resolution
	KindCronSeconds                     // 6 fields, leading seconds field
	KindReboot                          // @reboot: once when the scheduler boots
	KindOnce                            // @once: manual runs only
)

func (k ScheduleKind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindCronSeconds:
		return "cron_seconds"
	case KindReboot:
		return "reboot"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

const (
	MacroReboot = "@reboot"
	MacroOnce   = "@once"
)

var (
	minuteParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	secondParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Schedule is a validated schedule string.
type Schedule struct {
	Kind ScheduleKind
	Expr string

	spec cron.Schedule
}

// Cron returns the underlying cron schedule, nil for macros.
func (s Schedule) Cron() cron.Schedule { return s.spec }

// Next returns the next activation strictly after t, or the zero time for
// macro schedules.
func (s Schedule) Next(t time.Time) time.Time {
	if s.spec == nil {
		return time.Time{}
	}
	return s.spec.Next(t)
}

// Materializable reports whether the schedule can be written as an active
// line in an OS crontab (exactly five fields).
func (s Schedule) Materializable() bool { return s.Kind == KindCron }

// ParseSchedule validates raw and classifies it.
//
// Accepted forms are 5-field cron, 6-field cron with leading seconds,
// "@reboot" and "@once". Cron expressions must have at least one future
// activation.
func ParseSchedule(raw string) (Schedule, error) {
	return parseScheduleAt(raw, time.Now())
}

func parseScheduleAt(raw string, now time.Time) (Schedule, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return Schedule{}, &ValidationError{Field: "schedule", Reason: "schedule required"}
	}

	switch strings.ToLower(expr) {
	case MacroReboot:
		return Schedule{Kind: KindReboot, Expr: MacroReboot}, nil
	case MacroOnce:
		return Schedule{Kind: KindOnce, Expr: MacroOnce}, nil
	}
	if strings.HasPrefix(expr, "@") {
		return Schedule{}, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("unsupported macro %q (use @reboot or @once)", expr)}
	}

	fields := strings.Fields(expr)
	norm := strings.Join(fields, " ")

	var (
		kind   ScheduleKind
		parser cron.Parser
	)
	switch len(fields) {
	case 5:
		kind, parser = KindCron, minuteParser
	case 6:
		kind, parser = KindCronSeconds, secondParser
	default:
		return Schedule{}, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("expected 5 or 6 fields, got %d", len(fields))}
	}

	spec, err := parser.Parse(norm)
	if err != nil {
		return Schedule{}, &ValidationError{Field: "schedule", Reason: err.Error()}
	}
	if spec.Next(now).IsZero() {
		return Schedule{}, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("%q never fires", norm)}
	}
	return Schedule{Kind: kind, Expr: norm, spec: spec}, nil
}
