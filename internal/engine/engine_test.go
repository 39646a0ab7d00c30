package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kis-trader/internal/ratelimit"
)

func TestParseWindow(t *testing.T) {
	t.Parallel()

	w, err := parseWindow("09:00-09:30")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Window{Start: 540, End: 570}, w)

	for _, bad := range []string{"", "09:00", "09:00-08:00", "9-10", "25:00-26:00", "09:61-10:00"} {
		_, err := parseWindow(bad)
		assert.Error(t, err, "spec %q", bad)
	}
}

func TestBuildPriorityTable(t *testing.T) {
	t.Parallel()

	table, err := buildPriorityTable(nil)
	require.NoError(t, err)
	assert.Nil(t, table)

	table, err = buildPriorityTable(map[string][]string{
		"orb": {"09:00-09:30", "15:00-15:20"},
	})
	require.NoError(t, err)
	require.Len(t, table["orb"], 2)
	assert.Equal(t, 900, table["orb"][1].Start)

	_, err = buildPriorityTable(map[string][]string{"orb": {"nonsense"}})
	assert.Error(t, err)
}
