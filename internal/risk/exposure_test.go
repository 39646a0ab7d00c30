package risk

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kis-trader/internal/config"
	"kis-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testSectors = map[string]string{
	"005930": "IT",
	"000660": "IT",
	"051910": "Chemicals",
}

func countTracker(maxPerSector int) *SectorExposure {
	return NewSectorExposure(testSectors, config.RiskConfig{
		Mode:                  "count",
		MaxPositionsPerSector: maxPerSector,
		UnknownSectorPolicy:   "allow",
	}, testLogger())
}

func TestReserveBlocksSameSectorEntry(t *testing.T) {
	t.Parallel()
	e := countTracker(1)

	e.Reserve("005930", 100, 71500)
	assert.False(t, e.CanEnter("000660", 100, 80000, 1e8),
		"second IT entry must be blocked while first is working")
	assert.True(t, e.CanEnter("051910", 100, 400000, 1e8),
		"other sector unaffected")

	e.Unreserve("005930", 100, 71500)
	assert.True(t, e.CanEnter("000660", 100, 80000, 1e8),
		"unreserve must free the sector slot")
}

func TestFillKeepsSectorSlotHeld(t *testing.T) {
	t.Parallel()
	e := countTracker(1)

	e.Reserve("005930", 100, 71500)
	e.OnFill("005930", 100, 71500)
	assert.False(t, e.CanEnter("000660", 100, 80000, 1e8),
		"open position still occupies the sector slot")

	open, working := e.SectorSnapshot("IT")
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, working)

	e.OnClose("005930", 100, 71500)
	assert.True(t, e.CanEnter("000660", 100, 80000, 1e8))
}

func TestPctModeBlocksOnNotional(t *testing.T) {
	t.Parallel()
	e := NewSectorExposure(testSectors, config.RiskConfig{
		Mode:                "pct",
		MaxSectorPct:        0.2,
		UnknownSectorPolicy: "allow",
	}, testLogger())

	equity := 1e8 // sector cap = 20M KRW
	assert.True(t, e.CanEnter("005930", 100, 71500, equity)) // 7.15M

	e.Reserve("005930", 100, 71500)
	e.OnFill("005930", 100, 71500)
	assert.True(t, e.CanEnter("000660", 100, 80000, equity)) // 7.15M + 8M < 20M
	assert.False(t, e.CanEnter("000660", 200, 80000, equity),
		"7.15M + 16M exceeds the 20M sector cap")

	assert.False(t, e.CanEnter("005930", 1, 100, 0),
		"pct mode requires positive equity")
}

func TestBothModeRequiresBothChecks(t *testing.T) {
	t.Parallel()
	e := NewSectorExposure(testSectors, config.RiskConfig{
		Mode:                  "both",
		MaxPositionsPerSector: 2,
		MaxSectorPct:          0.1,
		UnknownSectorPolicy:   "allow",
	}, testLogger())

	e.Reserve("005930", 100, 71500)
	e.OnFill("005930", 100, 71500)

	// Count would allow a second position; pct (cap 10M) refuses.
	assert.False(t, e.CanEnter("000660", 100, 80000, 1e8))
}

func TestUnknownSectorPolicy(t *testing.T) {
	t.Parallel()
	allow := NewSectorExposure(testSectors, config.RiskConfig{
		Mode: "count", MaxPositionsPerSector: 1, UnknownSectorPolicy: "allow",
	}, testLogger())
	block := NewSectorExposure(testSectors, config.RiskConfig{
		Mode: "count", MaxPositionsPerSector: 1, UnknownSectorPolicy: "block",
	}, testLogger())

	assert.True(t, allow.CanEnter("999999", 10, 1000, 1e8))
	assert.False(t, block.CanEnter("999999", 10, 1000, 1e8))

	// Unknown sector is never tracked either way.
	allow.Reserve("999999", 10, 1000)
	open, working := allow.SectorSnapshot(UnknownSector)
	assert.Zero(t, open)
	assert.Zero(t, working)
}

func TestSaturationAtZero(t *testing.T) {
	t.Parallel()
	e := countTracker(1)

	e.Unreserve("005930", 100, 71500)
	e.OnClose("005930", 100, 71500)
	open, working := e.SectorSnapshot("IT")
	assert.Zero(t, open)
	assert.Zero(t, working)
	assert.True(t, e.CanEnter("005930", 100, 71500, 1e8))
}

func TestReconcileRebuildsFromBrokerTruth(t *testing.T) {
	t.Parallel()
	e := countTracker(2)

	// Drifted local state.
	e.Reserve("005930", 100, 71500)
	e.Reserve("000660", 100, 80000)

	e.Reconcile([]types.Position{
		{Symbol: "051910", Qty: 10, AvgPx: 400000},
	}, []string{"005930"})

	open, working := e.SectorSnapshot("Chemicals")
	require.Equal(t, 1, open)
	require.Equal(t, 0, working)

	open, working = e.SectorSnapshot("IT")
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, working, "only the still-working symbol survives reconcile")
}

func TestConcurrentReserveUnreserve(t *testing.T) {
	t.Parallel()
	e := countTracker(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Reserve("005930", 10, 1000)
			e.Unreserve("005930", 10, 1000)
		}()
	}
	wg.Wait()

	open, working := e.SectorSnapshot("IT")
	assert.Zero(t, open)
	assert.Zero(t, working)
}
