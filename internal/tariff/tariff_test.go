package tariff

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"channelsync/internal/models"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 0, 0, 0, 0, time.UTC)
}

func tr(id int64, start, end time.Time, price int64, minStay int, mutate ...func(*models.TariffRange)) *models.TariffRange {
	r := &models.TariffRange{
		ID:        id,
		StartDate: start,
		EndDate:   end,
		Price:     decimal.NewFromInt(price),
		Currency:  "EUR",
		MinStay:   minStay,
	}
	for _, m := range mutate {
		m(r)
	}
	return r
}

func weight(w int) func(*models.TariffRange) { return func(r *models.TariffRange) { r.Weight = w } }

func important(r *models.TariffRange) { r.Important = true }

func render(blocks []Block) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		fmt.Fprintf(&buf, "%s %s %s %s %d %s\n",
			b.Start.Format(models.DateLayout), b.End.Format(models.DateLayout),
			b.Price.String(), b.Currency, b.MinStay, b.SourceID)
	}
	return buf.Bytes()
}

func assertGolden(t *testing.T, name string, blocks []Block) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, render(blocks))
}

func TestPricingTieBreak(t *testing.T) {
	ranges := []*models.TariffRange{
		tr(1, date(6, 1), date(6, 10), 100, 1, weight(1)),
		tr(2, date(6, 5), date(6, 15), 150, 1, weight(5)),
	}

	days := Flatten(ranges, date(6, 1), date(6, 15), ModelRange)
	require.Len(t, days, 14)
	for _, d := range days {
		want := int64(150)
		if d.Date.Before(date(6, 5)) {
			want = 100
		}
		assert.True(t, d.Price.Equal(decimal.NewFromInt(want)), "price on %s", d.Date.Format(models.DateLayout))
	}

	blocks := Compress(days)
	require.Len(t, blocks, 2)
	assert.Equal(t, 4, blocks[0].Nights())
	assert.Equal(t, 10, blocks[1].Nights())
	assertGolden(t, "scenario_c", blocks)
}

func TestOverlappingRules(t *testing.T) {
	ranges := []*models.TariffRange{
		tr(10, date(6, 1), date(7, 1), 80, 1),
		tr(11, date(6, 10), date(6, 13), 60, 3, important),
		tr(12, date(6, 6), date(6, 8), 95, 2, weight(2)),
		tr(13, date(6, 6), date(6, 20), 90, 2, weight(2)),
	}

	blocks := Compress(Flatten(ranges, date(6, 1), date(6, 25), ModelRange))
	assertGolden(t, "overlapping_rules", blocks)
}

func TestFlattenClipsToWindow(t *testing.T) {
	ranges := []*models.TariffRange{tr(1, date(5, 20), date(7, 1), 100, 1)}

	days := Flatten(ranges, date(6, 1), date(6, 4), ModelRange)
	require.Len(t, days, 3)
	assert.True(t, days[0].Date.Equal(date(6, 1)))
	assert.True(t, days[2].Date.Equal(date(6, 3)))

	assert.Empty(t, Flatten(ranges, date(6, 4), date(6, 4), ModelRange))
	assert.Empty(t, Flatten(ranges, date(6, 4), date(6, 1), ModelRange))
}

func TestFlattenGapsAndFallback(t *testing.T) {
	ranges := []*models.TariffRange{
		tr(1, date(6, 1), date(6, 3), 100, 1),
		tr(2, date(6, 5), date(6, 6), 120, 1),
	}

	days := Flatten(ranges, date(6, 1), date(6, 7), ModelRange)
	assert.Len(t, days, 3)

	base := func(d time.Time) (Day, bool) {
		if d.Weekday() == time.Sunday {
			return Day{}, false
		}
		return Day{Price: decimal.NewFromInt(70), Currency: "EUR", MinStay: 1}, true
	}
	days = Flatten(ranges, date(6, 1), date(6, 7), ModelRange, WithFallback(base))

	// 2025-06-01 is a Sunday but covered; 2025-06-06 is a Friday and uncovered.
	require.Len(t, days, 6)
	assert.Equal(t, "fallback", days[2].SourceID)
	assert.True(t, days[2].Date.Equal(date(6, 3)))
	assert.Equal(t, "fallback", days[5].SourceID)
}

func TestCustomComparator(t *testing.T) {
	ranges := []*models.TariffRange{
		tr(1, date(6, 1), date(6, 3), 100, 1),
		tr(2, date(6, 1), date(6, 3), 80, 1),
	}
	cheapest := func(a, b Range) bool { return a.Price.LessThan(b.Price) }

	days := Flatten(ranges, date(6, 1), date(6, 3), ModelRange, WithComparator(cheapest))
	require.Len(t, days, 2)
	assert.Equal(t, "2", days[0].SourceID)

	days = Flatten(ranges, date(6, 1), date(6, 3), ModelRange)
	assert.Equal(t, "2", days[0].SourceID, "higher id wins the default tie-break")
}

func TestSourceIDHashesAnonymousRanges(t *testing.T) {
	a := Range{Start: date(6, 1), End: date(6, 3), Price: decimal.NewFromInt(100), Currency: "EUR", MinStay: 1}
	b := a
	b.Price = decimal.NewFromInt(101)

	assert.True(t, strings.HasPrefix(a.SourceID(), "h:"))
	assert.Equal(t, a.SourceID(), a.SourceID())
	assert.NotEqual(t, a.SourceID(), b.SourceID())
	assert.Equal(t, "7", Range{ID: 7}.SourceID())
}

func TestFlattenAcceptsAnyElementType(t *testing.T) {
	type rule struct {
		from, to time.Time
		amount   string
	}
	rules := []rule{{date(6, 1), date(6, 3), "99.90"}}
	access := func(r rule) Range {
		return Range{Start: r.from, End: r.to, Price: decimal.RequireFromString(r.amount), Currency: "USD", MinStay: 2}
	}

	blocks := Compress(Flatten(rules, date(6, 1), date(6, 10), access))
	require.Len(t, blocks, 1)
	assert.Equal(t, "99.9", blocks[0].Price.String())
	assert.True(t, strings.HasPrefix(blocks[0].SourceID, "h:"))
}

func TestCompressionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	from, to := date(6, 1), date(9, 1)

	for run := 0; run < 50; run++ {
		var ranges []*models.TariffRange
		for i := 0; i < 1+rng.Intn(8); i++ {
			start := from.AddDate(0, 0, rng.Intn(80))
			end := start.AddDate(0, 0, 1+rng.Intn(30))
			ranges = append(ranges, tr(int64(i+1), start, end, int64(50+10*rng.Intn(5)), 1+rng.Intn(2),
				weight(rng.Intn(3)), func(r *models.TariffRange) { r.Important = rng.Intn(4) == 0 }))
		}

		days := Flatten(ranges, from, to, ModelRange)
		seen := make(map[time.Time]bool)
		for _, d := range days {
			require.False(t, seen[d.Date], "day %s resolved twice", d.Date)
			seen[d.Date] = true
		}
		for at := from; at.Before(to); at = at.AddDate(0, 0, 1) {
			covered := false
			for _, r := range ranges {
				if !at.Before(r.StartDate) && at.Before(r.EndDate) {
					covered = true
				}
			}
			assert.Equal(t, covered, seen[at], "coverage of %s", at)
		}

		blocks := Compress(days)
		assert.Equal(t, render(Compress(days)), render(Compress(Expand(blocks))))
		require.Len(t, Expand(blocks), len(days))
		for i, d := range Expand(blocks) {
			assert.True(t, d.Date.Equal(days[i].Date))
			assert.True(t, d.Price.Equal(days[i].Price))
			assert.Equal(t, days[i].SourceID, d.SourceID)
			assert.Equal(t, days[i].MinStay, d.MinStay)
		}
		for i := 1; i < len(blocks); i++ {
			prev, cur := blocks[i-1], blocks[i]
			mergeable := prev.End.Equal(cur.Start) && prev.Price.Equal(cur.Price) &&
				prev.Currency == cur.Currency && prev.MinStay == cur.MinStay && prev.SourceID == cur.SourceID
			assert.False(t, mergeable, "blocks %d and %d could merge", i-1, i)
		}
	}
}
