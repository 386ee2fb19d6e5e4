package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToday(t *testing.T) {
	clock, err := NewClock("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, clock.Location().String())

	// 2024-03-31 20:00 UTC is already April 1st in Tokyo.
	instant := time.Date(2024, time.March, 31, 20, 0, 0, 0, time.UTC)
	fixed := FixedClock{At: instant.In(clock.Location())}
	assert.Equal(t, "20240401", Today(fixed))
}

func TestNewClock_InvalidZone(t *testing.T) {
	_, err := NewClock("Not/AZone")
	require.Error(t, err)
}

func TestMidnight(t *testing.T) {
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)

	got := Midnight(time.Date(2024, time.August, 26, 15, 4, 5, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2024, time.August, 27, 0, 0, 0, 0, loc), got)
}
