package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

var noon = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func ranAt(t time.Time) null.Time {
	return null.TimeFrom(t)
}

func TestIntervalDue(t *testing.T) {
	schedule := Interval(30)

	assert.True(t, schedule.Due(null.Time{}, noon))
	assert.False(t, schedule.Due(ranAt(noon.Add(-29*time.Second)), noon))
	assert.True(t, schedule.Due(ranAt(noon.Add(-30*time.Second)), noon))
	assert.False(t, schedule.Due(ranAt(noon.Add(time.Second)), noon))
}

func TestOnceDue(t *testing.T) {
	schedule := Once(noon)

	assert.False(t, schedule.Due(null.Time{}, noon.Add(-time.Second)))
	assert.True(t, schedule.Due(null.Time{}, noon))
	assert.True(t, schedule.Due(null.Time{}, noon.Add(time.Hour)))
	assert.False(t, schedule.Due(ranAt(noon), noon.Add(time.Hour)))
}

func TestCronDue(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		lastRun    null.Time
		now        time.Time
		expected   bool
	}{
		{name: "every minute first run", expression: "* * * * *", now: noon, expected: true},
		{name: "every minute too soon", expression: "* * * * *", lastRun: ranAt(noon.Add(-59 * time.Second)), now: noon, expected: false},
		{name: "every minute after a minute", expression: "* * * * *", lastRun: ranAt(noon.Add(-60 * time.Second)), now: noon, expected: true},
		{name: "exact minute and hour", expression: "30 12 * * *", now: noon, expected: true},
		{name: "exact minute any hour", expression: "30 * * * *", now: noon.Add(3 * time.Hour), expected: true},
		{name: "any minute exact hour", expression: "* 12 * * *", now: noon.Add(20 * time.Minute), expected: true},
		{name: "wrong minute", expression: "31 12 * * *", now: noon, expected: false},
		{name: "wrong hour", expression: "30 13 * * *", now: noon, expected: false},
		{name: "matching but ran this minute", expression: "30 12 * * *", lastRun: ranAt(noon.Add(-10 * time.Second)), now: noon.Add(20 * time.Second), expected: false},
		{name: "day fields ignored", expression: "30 12 1 1 0", now: noon, expected: true},
		{name: "step syntax never matches", expression: "*/5 * * * *", now: noon, expected: false},
		{name: "short expression runs every minute", expression: "@hourly", now: noon, expected: true},
		{name: "short expression gated", expression: "30 12", lastRun: ranAt(noon.Add(-30 * time.Second)), now: noon, expected: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Cron(test.expression).Due(test.lastRun, test.now))
		})
	}
}

func TestNextRun(t *testing.T) {
	assert.Equal(t, null.TimeFrom(noon.Add(45*time.Second)), Interval(45).NextRun(noon))
	assert.Equal(t, null.TimeFrom(noon.Add(time.Minute)), Cron("* * * * *").NextRun(noon))
	assert.False(t, Once(noon).NextRun(noon).Valid)
}

func TestValidateCron(t *testing.T) {
	for _, expression := range []string{"* * * * *", "0 0 * * *", "59 23 1 1 1"} {
		assert.NoError(t, ValidateCron(expression), expression)
	}
	for _, expression := range []string{"", "* *", "60 * * * *", "* 24 * * *", "*/5 * * * *", "a b c d e"} {
		err := ValidateCron(expression)
		assert.True(t, lpmErrors.IsParseError(err), expression)
	}
}

func TestScheduleEncoding(t *testing.T) {
	tests := []struct {
		schedule Schedule
		encoded  string
	}{
		{schedule: Cron("0 * * * *"), encoded: `"cron:0 * * * *"`},
		{schedule: Interval(300), encoded: `"interval:300"`},
		{schedule: Once(time.Unix(1700000000, 0)), encoded: `"once:1700000000"`},
	}

	for _, test := range tests {
		t.Run(test.encoded, func(t *testing.T) {
			encoded, err := json.Marshal(test.schedule)
			require.NoError(t, err)
			assert.JSONEq(t, test.encoded, string(encoded))

			var decoded Schedule
			require.NoError(t, json.Unmarshal(encoded, &decoded))
			assert.Equal(t, test.schedule, decoded)
		})
	}
}

func TestParseScheduleErrors(t *testing.T) {
	for _, text := range []string{"hourly", "interval:soon", "once:-5", "weekly:1"} {
		_, err := ParseSchedule(text)
		assert.True(t, lpmErrors.IsParseError(err), text)
	}
}
