package marketdata

import (
	"testing"
	"time"

	"kis-trader/pkg/types"
)

func at(t *testing.T, hhmmss string) time.Time {
	t.Helper()
	ts, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestOneMinuteBarRoll(t *testing.T) {
	t.Parallel()
	agg := NewBarAggregator(time.Minute, 100)

	if done := agg.UpdateTick(at(t, "09:30:10"), 100, 50); done != nil {
		t.Fatal("first tick should not complete a bar")
	}
	if done := agg.UpdateTick(at(t, "09:30:30"), 105, 30); done != nil {
		t.Fatal("same-bucket tick should not complete a bar")
	}

	done := agg.UpdateTick(at(t, "09:31:10"), 102, 40)
	if done == nil {
		t.Fatal("bucket roll should complete the 09:30 bar")
	}
	if done.Open != 100 || done.High != 105 || done.Low != 100 || done.Close != 105 || done.Volume != 80 {
		t.Errorf("completed bar = %+v, want O=100 H=105 L=100 C=105 V=80", done)
	}
	if want := at(t, "09:30:00"); !done.Start.Equal(want) {
		t.Errorf("bar start = %v, want %v", done.Start, want)
	}
}

func TestLateTickIgnored(t *testing.T) {
	t.Parallel()
	agg := NewBarAggregator(time.Minute, 100)
	agg.UpdateTick(at(t, "09:31:10"), 102, 40)
	if done := agg.UpdateTick(at(t, "09:30:50"), 999, 99); done != nil {
		t.Fatal("late tick must not complete a bar")
	}
	cur := agg.Current()
	if cur.High == 999 || cur.Volume != 40 {
		t.Errorf("late tick mutated current bar: %+v", cur)
	}
}

func TestBoundedHistoryEvictsOldest(t *testing.T) {
	t.Parallel()
	agg := NewBarAggregator(time.Minute, 2)
	base := at(t, "09:00:05")
	for i := 0; i < 5; i++ {
		agg.UpdateTick(base.Add(time.Duration(i)*time.Minute), 100+float64(i), 10)
	}
	bars := agg.Completed()
	if len(bars) != 2 {
		t.Fatalf("history len = %d, want 2", len(bars))
	}
	if bars[0].Open != 102 || bars[1].Open != 103 {
		t.Errorf("history = %+v, want bars opened at 102, 103", bars)
	}
}

func TestAggregateBarsIdempotentShape(t *testing.T) {
	t.Parallel()
	base := at(t, "09:00:00")
	var in []types.Bar
	for i := 0; i < 10; i++ {
		in = append(in, types.Bar{
			Start:  base.Add(time.Duration(i) * time.Minute),
			Open:   100 + float64(i),
			High:   101 + float64(i),
			Low:    99 + float64(i),
			Close:  100.5 + float64(i),
			Volume: 10,
		})
	}

	once := AggregateBars(in, 5)
	twice := AggregateBars(once, 5)

	if len(once) != 2 {
		t.Fatalf("aggregate len = %d, want 2", len(once))
	}
	if len(twice) != len(once) {
		t.Fatalf("re-aggregate len = %d, want %d", len(twice), len(once))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("bar %d changed on re-aggregation: %+v vs %+v", i, once[i], twice[i])
		}
	}
	if once[0].Volume != 50 || once[0].Open != 100 || once[0].Close != 104.5 {
		t.Errorf("first 5m bar = %+v", once[0])
	}
}
