package scheduler

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/types"
	"gopkg.in/guregu/null.v3"
)

const cronPeriod = 60 * time.Second

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// Schedule decides when a task runs. It is encoded as "cron:<expr>", "interval:<seconds>" or
// "once:<unix seconds>".
type Schedule struct {
	Type       ScheduleType
	Expression string
	Seconds    uint64
	At         time.Time
}

func Cron(expression string) Schedule {
	return Schedule{Type: ScheduleCron, Expression: expression}
}

func Interval(seconds uint64) Schedule {
	return Schedule{Type: ScheduleInterval, Seconds: seconds}
}

func Once(at time.Time) Schedule {
	return Schedule{Type: ScheduleOnce, At: at.UTC().Truncate(time.Second)}
}

func ParseSchedule(text string) (Schedule, error) {
	kind, value, found := strings.Cut(text, ":")
	if !found {
		return Schedule{}, lpmErrors.ParseError("invalid schedule '%s'", text)
	}

	switch ScheduleType(kind) {
	case ScheduleCron:
		return Cron(value), nil
	case ScheduleInterval:
		seconds, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Schedule{}, lpmErrors.ParseError("invalid interval '%s'", value)
		}
		return Interval(seconds), nil
	case ScheduleOnce:
		timestamp, err := strconv.ParseUint(value, 10, 63)
		if err != nil {
			return Schedule{}, lpmErrors.ParseError("invalid timestamp '%s'", value)
		}
		return Once(types.TimeFromTimestamp(int64(timestamp))), nil
	default:
		return Schedule{}, lpmErrors.ParseError("unknown schedule type '%s'", kind)
	}
}

func (s Schedule) String() string {
	switch s.Type {
	case ScheduleCron:
		return "cron:" + s.Expression
	case ScheduleInterval:
		return "interval:" + strconv.FormatUint(s.Seconds, 10)
	case ScheduleOnce:
		return "once:" + strconv.FormatInt(types.Timestamp(s.At), 10)
	default:
		return string(s.Type)
	}
}

// Describe is a short human-readable summary of the schedule.
func (s Schedule) Describe() string {
	switch s.Type {
	case ScheduleCron:
		return "Cron: " + s.Expression
	case ScheduleInterval:
		return "Every " + strconv.FormatUint(s.Seconds, 10) + "s"
	case ScheduleOnce:
		return "Once"
	default:
		return string(s.Type)
	}
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	parsed, err := ParseSchedule(text)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Due reports whether a task with this schedule, last run at lastRun, should run at now.
func (s Schedule) Due(lastRun null.Time, now time.Time) bool {
	switch s.Type {
	case ScheduleInterval:
		return elapsedAtLeast(lastRun, now, time.Duration(s.Seconds)*time.Second)
	case ScheduleOnce:
		return !lastRun.Valid && !now.Before(s.At)
	case ScheduleCron:
		return cronDue(s.Expression, lastRun, now)
	default:
		return false
	}
}

// NextRun estimates the next run after a run at now. Once schedules never run again.
func (s Schedule) NextRun(now time.Time) null.Time {
	switch s.Type {
	case ScheduleInterval:
		return null.TimeFrom(now.Add(time.Duration(s.Seconds) * time.Second))
	case ScheduleCron:
		return null.TimeFrom(now.Add(cronPeriod))
	default:
		return null.Time{}
	}
}

// cronDue honours only the minute and hour fields, in UTC. Day, month and weekday are accepted
// and ignored, and an expression with fewer than five fields runs every minute.
func cronDue(expression string, lastRun null.Time, now time.Time) bool {
	fields := strings.Fields(expression)
	if len(fields) < 5 {
		return elapsedAtLeast(lastRun, now, cronPeriod)
	}

	epoch := now.Unix()
	if epoch < 0 {
		return false
	}
	minute := uint64(epoch/60) % 60
	hour := uint64(epoch/3600) % 24

	minuteField, hourField := fields[0], fields[1]
	if minuteField == "*" && hourField == "*" {
		return elapsedAtLeast(lastRun, now, cronPeriod)
	}
	if cronFieldMatches(minuteField, minute) && cronFieldMatches(hourField, hour) {
		return elapsedAtLeast(lastRun, now, cronPeriod)
	}
	return false
}

func cronFieldMatches(field string, value uint64) bool {
	if field == "*" {
		return true
	}
	parsed, err := strconv.ParseUint(field, 10, 64)
	return err == nil && parsed == value
}

// elapsedAtLeast is true for a task that never ran. Elapsed time is counted in whole seconds
// and a lastRun in the future never elapses.
func elapsedAtLeast(lastRun null.Time, now time.Time, period time.Duration) bool {
	if !lastRun.Valid {
		return true
	}
	if now.Before(lastRun.Time) {
		return false
	}
	return now.Sub(lastRun.Time)/time.Second >= period/time.Second
}

// ValidateCron reports expressions the minimal cron evaluation cannot honour. Such expressions
// are still accepted and run every minute, or never when a field is not a plain number.
func ValidateCron(expression string) error {
	fields := strings.Fields(expression)
	if len(fields) < 5 {
		return lpmErrors.ParseError("cron expression '%s' has %d fields, expected 5", expression, len(fields))
	}
	if err := validateCronField(fields[0], "minute", 59); err != nil {
		return err
	}
	return validateCronField(fields[1], "hour", 23)
}

func validateCronField(field, name string, max uint64) error {
	if field == "*" {
		return nil
	}
	value, err := strconv.ParseUint(field, 10, 64)
	if err != nil || value > max {
		return lpmErrors.ParseError("unsupported cron %s field '%s'", name, field)
	}
	return nil
}

func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleCron, ScheduleInterval:
		return nil
	case ScheduleOnce:
		if s.At.IsZero() {
			return lpmErrors.InvalidInput("once schedule has no time")
		}
		return nil
	default:
		return lpmErrors.InvalidInput("unknown schedule type '%s'", s.Type)
	}
}
