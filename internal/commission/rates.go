// internal/commission/rates.go
package commission

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/models"
)

var (
	ErrInvalidRate         = errors.New("invalid rate entry")
	ErrRateTableOverflow   = errors.New("rate table can distribute more than the order amount")
	ErrRateVersionNotFound = errors.New("rate table version not found")
	hundred                = decimal.NewFromInt(100)
)

// Rates maps (level, beneficiary rank, buyer rank) to a percentage.
// An absent entry means zero commission.
type Rates interface {
	Rate(level int, beneficiary, buyer models.Rank) decimal.Decimal
}

// RateKey identifies one rate. An empty BuyerRank matches any buyer.
type RateKey struct {
	Level           int
	BeneficiaryRank models.Rank
	BuyerRank       models.Rank
}

// RateTable is an immutable, validated rate mapping.
type RateTable struct {
	Version  string
	MaxLevel int
	entries  map[RateKey]decimal.Decimal
}

// NewRateTable validates entries against the rank enumeration and checks that
// no buyer can ever be charged more than 100% across all levels.
func NewRateTable(version string, entries []models.RateEntry) (*RateTable, error) {
	t := &RateTable{Version: version, entries: make(map[RateKey]decimal.Decimal, len(entries))}

	for _, e := range entries {
		if e.Level < 1 || e.Level > hierarchy.MaxDepthLimit {
			return nil, fmt.Errorf("%w: level %d out of range", ErrInvalidRate, e.Level)
		}
		if !e.BeneficiaryRank.Valid() {
			return nil, fmt.Errorf("%w: unknown beneficiary rank %q", ErrInvalidRate, e.BeneficiaryRank)
		}
		if e.BuyerRank != "" && !e.BuyerRank.Valid() {
			return nil, fmt.Errorf("%w: unknown buyer rank %q", ErrInvalidRate, e.BuyerRank)
		}
		if e.Percent.IsNegative() || e.Percent.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: percent %s outside [0, 100]", ErrInvalidRate, e.Percent)
		}
		key := RateKey{Level: e.Level, BeneficiaryRank: e.BeneficiaryRank, BuyerRank: e.BuyerRank}
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("%w: duplicate entry for level %d rank %s buyer %q", ErrInvalidRate, e.Level, e.BeneficiaryRank, e.BuyerRank)
		}
		t.entries[key] = e.Percent
		if e.Level > t.MaxLevel {
			t.MaxLevel = e.Level
		}
	}

	for _, buyer := range models.Ranks {
		if worst := t.worstCase(buyer); worst.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: buyer rank %s can reach %s%%", ErrRateTableOverflow, buyer, worst)
		}
	}
	return t, nil
}

func (t *RateTable) Rate(level int, beneficiary, buyer models.Rank) decimal.Decimal {
	if t == nil {
		return decimal.Zero
	}
	if p, ok := t.entries[RateKey{Level: level, BeneficiaryRank: beneficiary, BuyerRank: buyer}]; ok {
		return p
	}
	if p, ok := t.entries[RateKey{Level: level, BeneficiaryRank: beneficiary}]; ok {
		return p
	}
	return decimal.Zero
}

// worstCase sums, per level, the highest rate any beneficiary could receive.
func (t *RateTable) worstCase(buyer models.Rank) decimal.Decimal {
	total := decimal.Zero
	for level := 1; level <= t.MaxLevel; level++ {
		best := decimal.Zero
		for _, rank := range models.Ranks {
			if r := t.Rate(level, rank, buyer); r.GreaterThan(best) {
				best = r
			}
		}
		total = total.Add(best)
	}
	return total
}

// Entries returns the table as sorted rows, for display and persistence.
func (t *RateTable) Entries() []models.RateEntry {
	out := make([]models.RateEntry, 0, len(t.entries))
	for k, p := range t.entries {
		out = append(out, models.RateEntry{
			Version:         t.Version,
			Level:           k.Level,
			BeneficiaryRank: k.BeneficiaryRank,
			BuyerRank:       k.BuyerRank,
			Percent:         p,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if out[i].BeneficiaryRank != out[j].BeneficiaryRank {
			return out[i].BeneficiaryRank.Ordinal() < out[j].BeneficiaryRank.Ordinal()
		}
		return out[i].BuyerRank < out[j].BuyerRank
	})
	return out
}
