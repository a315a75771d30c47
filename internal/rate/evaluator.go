package rate

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/shopspring/decimal"
)

// Interval is the reading window a TOU charge is evaluated over.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

var hundred = decimal.NewFromInt(100)

// Charge converts a consumption quantity into a monetary amount under the
// given rate table. The interval only matters for TOU structures; flat and
// tiered tables ignore it. The result already includes the estate markup and
// is rounded half-even to cents. Never mutates state, never does I/O.
func Charge(quantity decimal.Decimal, table *model.RateTable, interval Interval, loc *time.Location) decimal.Decimal {
	if table == nil {
		logger.Warn("rate: charge called with nil rate table")
		return decimal.Zero
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	var base decimal.Decimal
	switch table.Structure.Kind {
	case model.StructureFlat:
		if table.Structure.FlatRate == nil {
			logger.Warn("rate: flat table without rate", "rate_table_id", table.ID)
			return decimal.Zero
		}
		base = quantity.Mul(*table.Structure.FlatRate)
	case model.StructureTiered:
		base = tieredCharge(quantity, table.Structure.Tiers)
	case model.StructureTOU:
		base = touCharge(quantity, table.Structure.Periods, interval, loc)
	default:
		logger.Warn("rate: unknown structure kind", "rate_table_id", table.ID, "kind", table.Structure.Kind)
		return decimal.Zero
	}

	return applyMarkup(base, table.MarkupPercent)
}

func applyMarkup(base, markupPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(markupPercent.Div(hundred))
	return base.Mul(factor).RoundBank(2)
}

// tieredCharge walks the bands in order. A quantity landing exactly on a
// boundary settles entirely inside the lower tier.
func tieredCharge(quantity decimal.Decimal, tiers []model.Tier) decimal.Decimal {
	total := decimal.Zero
	remaining := quantity

	for _, tier := range tiers {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		span := remaining
		if tier.ToUnits != nil {
			width := tier.ToUnits.Sub(tier.FromUnits)
			if width.LessThan(span) {
				span = width
			}
		}

		total = total.Add(span.Mul(tier.RatePerUnit))
		remaining = remaining.Sub(span)
	}

	if remaining.GreaterThan(decimal.Zero) {
		logger.Warn("rate: quantity exceeded tier coverage, remainder unpriced",
			"remaining", remaining.String())
	}

	return total
}

// touCharge splits the quantity across time-of-use periods proportionally to
// the time each period covers within the reading interval. Short intervals
// use the single period containing the interval end; the approximation error
// is bounded because billing never sees windows over an hour without the full
// split.
func touCharge(quantity decimal.Decimal, periods []model.TOUPeriod, interval Interval, loc *time.Location) decimal.Decimal {
	if loc == nil {
		loc = time.UTC
	}

	if interval.Start.IsZero() || !interval.End.After(interval.Start) || interval.Duration() <= time.Hour {
		at := interval.End
		if at.IsZero() {
			at = time.Now()
		}
		rate, ok := periodRateAt(periods, at.In(loc))
		if !ok {
			logger.Warn("rate: no tou period covers interval end", "at", at.String())
			return decimal.Zero
		}
		return quantity.Mul(rate)
	}

	start := interval.Start.In(loc)
	end := interval.End.In(loc)
	totalSeconds := decimal.NewFromFloat(end.Sub(start).Seconds())

	total := decimal.Zero
	cursor := start
	for cursor.Before(end) {
		dayEnd := midnightAfter(cursor)
		segmentEnd := dayEnd
		if segmentEnd.After(end) {
			segmentEnd = end
		}

		weekend := isWeekend(cursor)
		for _, p := range periods {
			if weekend && !p.AppliesWeekends {
				continue
			}
			if !weekend && !p.AppliesWeekdays {
				continue
			}

			overlap := periodOverlap(p, cursor, segmentEnd)
			if overlap <= 0 {
				continue
			}

			share := decimal.NewFromFloat(overlap.Seconds()).Div(totalSeconds)
			total = total.Add(quantity.Mul(share).Mul(p.RatePerUnit))
		}

		cursor = segmentEnd
	}

	return total
}

// periodOverlap measures how much of [from, to) falls inside the period's
// daily window. from and to are within a single calendar day.
func periodOverlap(p model.TOUPeriod, from, to time.Time) time.Duration {
	startMin, err := model.ParseClock(p.StartTime)
	if err != nil {
		return 0
	}
	endMin, err := model.ParseClock(p.EndTime)
	if err != nil {
		return 0
	}
	if endMin == 0 {
		endMin = 24 * 60
	}

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	windowStart := day.Add(time.Duration(startMin) * time.Minute)
	windowEnd := day.Add(time.Duration(endMin) * time.Minute)

	if windowStart.Before(from) {
		windowStart = from
	}
	if windowEnd.After(to) {
		windowEnd = to
	}
	if !windowEnd.After(windowStart) {
		return 0
	}
	return windowEnd.Sub(windowStart)
}

func periodRateAt(periods []model.TOUPeriod, at time.Time) (decimal.Decimal, bool) {
	weekend := isWeekend(at)
	minute := at.Hour()*60 + at.Minute()

	for _, p := range periods {
		if weekend && !p.AppliesWeekends {
			continue
		}
		if !weekend && !p.AppliesWeekdays {
			continue
		}

		startMin, err := model.ParseClock(p.StartTime)
		if err != nil {
			continue
		}
		endMin, err := model.ParseClock(p.EndTime)
		if err != nil {
			continue
		}
		if endMin == 0 {
			endMin = 24 * 60
		}

		if minute >= startMin && minute < endMin {
			return p.RatePerUnit, true
		}
	}
	return decimal.Zero, false
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func midnightAfter(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
