package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type StructureKind string

const (
	StructureFlat   StructureKind = "flat"
	StructureTiered StructureKind = "tiered"
	StructureTOU    StructureKind = "tou"
)

// Tier prices one contiguous consumption band. ToUnits nil means the band is
// open-ended; a quantity landing exactly on a boundary belongs to the lower
// tier.
type Tier struct {
	FromUnits   decimal.Decimal  `json:"from_units"`
	ToUnits     *decimal.Decimal `json:"to_units,omitempty"`
	RatePerUnit decimal.Decimal  `json:"rate_per_unit"`
	TierNumber  int              `json:"tier_number"`
}

// TOUPeriod prices a daily time window. Start and End are "15:04" clock
// strings in the estate timezone; End "24:00" closes the day.
type TOUPeriod struct {
	PeriodName      string          `json:"period_name"`
	StartTime       string          `json:"start_time"`
	EndTime         string          `json:"end_time"`
	AppliesWeekdays bool            `json:"applies_weekdays"`
	AppliesWeekends bool            `json:"applies_weekends"`
	RatePerUnit     decimal.Decimal `json:"rate_per_unit"`
}

// RateStructure is a tagged variant: exactly one of the three pricing shapes
// is active, selected by Kind.
type RateStructure struct {
	Kind     StructureKind    `json:"kind"`
	FlatRate *decimal.Decimal `json:"flat_rate,omitempty"`
	Tiers    []Tier           `json:"tiers,omitempty"`
	Periods  []TOUPeriod      `json:"periods,omitempty"`
}

// Validate checks the structural invariants: tier bands contiguous from
// zero with an open-ended last band, TOU periods partitioning the day.
func (rs *RateStructure) Validate() error {
	switch rs.Kind {
	case StructureFlat:
		if rs.FlatRate == nil {
			return errors.New("flat structure requires flat_rate")
		}
	case StructureTiered:
		if len(rs.Tiers) == 0 {
			return errors.New("tiered structure requires tiers")
		}
		expectedFrom := decimal.Zero
		for i, t := range rs.Tiers {
			if !t.FromUnits.Equal(expectedFrom) {
				return fmt.Errorf("tier %d starts at %s, want %s", i+1, t.FromUnits, expectedFrom)
			}
			if t.ToUnits == nil {
				if i != len(rs.Tiers)-1 {
					return fmt.Errorf("tier %d is open-ended but not last", i+1)
				}
				return nil
			}
			if !t.ToUnits.GreaterThan(t.FromUnits) {
				return fmt.Errorf("tier %d has empty range", i+1)
			}
			expectedFrom = *t.ToUnits
		}
		return errors.New("last tier must be open-ended")
	case StructureTOU:
		if len(rs.Periods) == 0 {
			return errors.New("tou structure requires periods")
		}
		for _, p := range rs.Periods {
			if _, err := ParseClock(p.StartTime); err != nil {
				return fmt.Errorf("period %q start: %w", p.PeriodName, err)
			}
			if _, err := ParseClock(p.EndTime); err != nil {
				return fmt.Errorf("period %q end: %w", p.PeriodName, err)
			}
		}
		for _, weekend := range []bool{false, true} {
			if err := validateDayCoverage(rs.Periods, weekend); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown structure kind %q", rs.Kind)
	}
	return nil
}

func validateDayCoverage(periods []TOUPeriod, weekend bool) error {
	covered := make([]bool, 24*60)
	for _, p := range periods {
		if weekend && !p.AppliesWeekends {
			continue
		}
		if !weekend && !p.AppliesWeekdays {
			continue
		}
		start, _ := ParseClock(p.StartTime)
		end, _ := ParseClock(p.EndTime)
		if end == 0 {
			end = 24 * 60
		}
		for m := start; m < end; m++ {
			if covered[m] {
				return fmt.Errorf("tou periods overlap at minute %d", m)
			}
			covered[m] = true
		}
	}
	for m, ok := range covered {
		if !ok {
			return fmt.Errorf("tou periods leave minute %d uncovered", m)
		}
	}
	return nil
}

// ParseClock converts "15:04" (or "24:00") into minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

// RateTable is a versioned price list. Assignment is layered: a table bound
// to a unit overrides the estate default for the same utility and window.
type RateTable struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Utility       Utility         `json:"utility"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"` // exclusive
	IsActive      bool            `json:"is_active"`
	MarkupPercent decimal.Decimal `json:"markup_percent"`
	Structure     RateStructure   `json:"structure"`
	EstateID      *int64          `json:"estate_id,omitempty"`
	UnitID        *int64          `json:"unit_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EffectiveAt reports whether the table applies at the given instant.
func (rt *RateTable) EffectiveAt(at time.Time) bool {
	if !rt.IsActive {
		return false
	}
	if at.Before(rt.EffectiveFrom) {
		return false
	}
	if rt.EffectiveTo != nil && !at.Before(*rt.EffectiveTo) {
		return false
	}
	return true
}
