package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadZone(t *testing.T) {
	loc, err := LoadZone("")
	require.NoError(t, err)
	assert.Equal(t, DefaultZone, loc.String())

	_, err = LoadZone("Mars/Olympus")
	require.Error(t, err)
}

func TestParseLocal(t *testing.T) {
	ist, err := LoadZone("Asia/Kolkata")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{
			name:  "wall clock in zone",
			value: "2024-03-10 09:30",
			want:  time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC),
		},
		{
			name:  "wall clock with seconds",
			value: "2024-03-10T09:30:15",
			want:  time.Date(2024, 3, 10, 4, 0, 15, 0, time.UTC),
		},
		{
			name:  "rfc3339 keeps its offset",
			value: "2024-03-10T09:30:00Z",
			want:  time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocal(tt.value, ist)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err = ParseLocal("  ", ist)
	require.ErrorIs(t, err, ErrEmptyTime)

	_, err = ParseLocal("next tuesday", ist)
	require.Error(t, err)
}

func TestFormatRoundTrip(t *testing.T) {
	ist, err := LoadZone("Asia/Kolkata")
	require.NoError(t, err)

	instant := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-10 09:30 IST", Format(instant, ist))
	assert.Equal(t, "2024-03-10 04:00 UTC", Format(instant, nil))
	assert.Empty(t, Format(time.Time{}, ist))

	back, err := ParseLocal("2024-03-10 09:30", ist)
	require.NoError(t, err)
	assert.True(t, back.Equal(instant))
	assert.True(t, ToUTC(In(instant, ist)).Equal(instant))
}
