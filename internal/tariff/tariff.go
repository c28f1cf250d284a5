// Package tariff resolves overlapping price ranges into one price per day and
// compresses the result back into the minimal list of contiguous ranges.
package tariff

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"channelsync/internal/models"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// Range is the normalized view of a priced interval [Start, End).
type Range struct {
	ID        int64
	Start     time.Time
	End       time.Time
	Price     decimal.Decimal
	Currency  string
	MinStay   int
	Important bool
	Weight    int
}

// Duration is the number of days the range covers.
func (r Range) Duration() int {
	return int(r.End.Sub(r.Start) / day)
}

// SourceID identifies the range a day was resolved from. Ranges without an id
// are identified by a hash of their content.
func (r Range) SourceID() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%t|%d",
		r.Start.Format(models.DateLayout), r.End.Format(models.DateLayout),
		r.Price.String(), r.Currency, r.MinStay, r.Important, r.Weight)))
	return "h:" + hex.EncodeToString(sum[:])
}

// Accessor extracts the pricing fields of one input element.
type Accessor[T any] func(T) Range

// ModelRange is the accessor for stored tariff ranges.
func ModelRange(t *models.TariffRange) Range {
	return Range{
		ID:        t.ID,
		Start:     t.StartDate,
		End:       t.EndDate,
		Price:     t.Price,
		Currency:  t.Currency,
		MinStay:   t.MinStay,
		Important: t.Important,
		Weight:    t.Weight,
	}
}

// Day is the resolved price of one date.
type Day struct {
	Date     time.Time       `json:"date"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	MinStay  int             `json:"min_stay"`
	SourceID string          `json:"source_id"`
}

// Block is a run of days sharing price, currency, min stay and source, over [Start, End).
type Block struct {
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	MinStay  int             `json:"min_stay"`
	SourceID string          `json:"source_id"`
}

// Nights is the number of days in the block.
func (b Block) Nights() int {
	return int(b.End.Sub(b.Start) / day)
}

// Comparator reports whether a takes precedence over b.
type Comparator func(a, b Range) bool

// Fallback supplies a price for a day no range covers.
type Fallback func(date time.Time) (Day, bool)

type options struct {
	better   Comparator
	fallback Fallback
}

type Option func(*options)

// WithComparator replaces the default precedence order.
func WithComparator(c Comparator) Option {
	return func(o *options) { o.better = c }
}

// WithFallback fills uncovered days instead of leaving them out.
func WithFallback(f Fallback) Option {
	return func(o *options) { o.fallback = f }
}

// DefaultComparator orders by important, then weight, then shorter duration, then higher id.
func DefaultComparator(a, b Range) bool {
	if a.Important != b.Important {
		return a.Important
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if da, db := a.Duration(), b.Duration(); da != db {
		return da < db
	}
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	return a.SourceID() > b.SourceID()
}

// Flatten resolves items to at most one Day per date in [from, to), in date order.
func Flatten[T any](items []T, from, to time.Time, access Accessor[T], opts ...Option) []Day {
	o := options{better: DefaultComparator}
	for _, opt := range opts {
		opt(&o)
	}

	from, to = truncate(from), truncate(to)
	if !from.Before(to) {
		return nil
	}

	ranges := make([]Range, 0, len(items))
	for _, item := range items {
		r := access(item)
		r.Start, r.End = truncate(r.Start), truncate(r.End)
		if !r.Start.Before(r.End) || !r.Start.Before(to) || !r.End.After(from) {
			continue
		}
		ranges = append(ranges, r)
	}
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Start.Before(ranges[j].Start) })

	var (
		days   []Day
		active []Range
		next   int
	)
	for date := from; date.Before(to); date = date.Add(day) {
		for next < len(ranges) && !ranges[next].Start.After(date) {
			active = append(active, ranges[next])
			next++
		}
		kept := active[:0]
		for _, r := range active {
			if r.End.After(date) {
				kept = append(kept, r)
			}
		}
		active = kept

		if len(active) == 0 {
			if o.fallback == nil {
				continue
			}
			d, ok := o.fallback(date)
			if !ok {
				continue
			}
			d.Date = date
			if d.SourceID == "" {
				d.SourceID = "fallback"
			}
			days = append(days, d)
			continue
		}

		winner := active[0]
		for _, r := range active[1:] {
			if o.better(r, winner) {
				winner = r
			}
		}
		days = append(days, Day{
			Date:     date,
			Price:    winner.Price,
			Currency: winner.Currency,
			MinStay:  winner.MinStay,
			SourceID: winner.SourceID(),
		})
	}
	return days
}

// Compress merges consecutive days into blocks. days must be sorted by date.
func Compress(days []Day) []Block {
	var blocks []Block
	for _, d := range days {
		if n := len(blocks); n > 0 {
			last := &blocks[n-1]
			if last.End.Equal(d.Date) && last.Price.Equal(d.Price) && last.Currency == d.Currency &&
				last.MinStay == d.MinStay && last.SourceID == d.SourceID {
				last.End = d.Date.Add(day)
				continue
			}
		}
		blocks = append(blocks, Block{
			Start:    d.Date,
			End:      d.Date.Add(day),
			Price:    d.Price,
			Currency: d.Currency,
			MinStay:  d.MinStay,
			SourceID: d.SourceID,
		})
	}
	return blocks
}

// Expand turns blocks back into one Day per covered date.
func Expand(blocks []Block) []Day {
	var days []Day
	for _, b := range blocks {
		for date := b.Start; date.Before(b.End); date = date.Add(day) {
			days = append(days, Day{
				Date:     date,
				Price:    b.Price,
				Currency: b.Currency,
				MinStay:  b.MinStay,
				SourceID: b.SourceID,
			})
		}
	}
	return days
}

func truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
