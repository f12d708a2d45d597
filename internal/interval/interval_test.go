package interval

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSchedule(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10m", "*/10 * * * *"},
		{"15m", "*/15 * * * *"},
		{"1hr 30m", "30 */1 * * *"},
		{"1h", "0 */1 * * *"},
		{"2 hours", "0 */2 * * *"},
		{"90 minutes", "30 */1 * * *"},
		{"1.5h", "30 */1 * * *"},
		{"45", "*/45 * * * *"},
		{"1d", "0 */24 * * *"},
		{"1h 37m", "37 */1 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToSchedule(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToScheduleRejectsInvalid(t *testing.T) {
	for _, in := range []string{"bogus", "", "   ", "30s", "0m", "10 parsecs", "m10"} {
		t.Run(in, func(t *testing.T) {
			_, err := ToSchedule(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidIntervalFormat), "got %v", err)
		})
	}
}

func TestSchedulesAreAcceptedByCronParser(t *testing.T) {
	for _, in := range []string{"10m", "1hr 30m", "6h", "59m", "25h"} {
		spec, err := ToSchedule(in)
		require.NoError(t, err)
		_, err = cron.ParseStandard(spec)
		assert.NoError(t, err, "spec %q from %q", spec, in)
	}
}

func TestEffective(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"10m", 10 * time.Minute},
		{"15m", 15 * time.Minute},
		// 97 minutes requested, hourly delivered.
		{"1h 37m", time.Hour},
		{"1hr 30m", time.Hour},
		{"6h", 6 * time.Hour},
		// Fires at :00 and :45, so twice an hour.
		{"45m", 30 * time.Minute},
		// Nine firings an hour at :00, :07 ... :56.
		{"7m", 400 * time.Second},
		{"1d", 24 * time.Hour},
		{"2d", 24 * time.Hour},
		// */10 hours fires at 00, 10 and 20 each day.
		{"10h", 8 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			spec, err := ToSchedule(tt.in)
			require.NoError(t, err)
			got, err := Effective(spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "spec %q", spec)
		})
	}
}

func TestEffectiveRejectsInvalid(t *testing.T) {
	_, err := Effective("nonsense")
	assert.ErrorIs(t, err, ErrInvalidIntervalFormat)

	// February 30th never comes.
	_, err = Effective("0 0 30 2 *")
	assert.ErrorIs(t, err, ErrInvalidIntervalFormat)
}
