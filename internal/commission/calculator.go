// internal/commission/calculator.go
package commission

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/models"
)

var (
	ErrNegativeAmount   = errors.New("order amount must not be negative")
	ErrMissingRateTable = errors.New("rate table is required")
)

// Distribution is one computed commission line. Level 1 is the direct upline.
type Distribution struct {
	BeneficiaryID uuid.UUID       `json:"beneficiary_id"`
	OrderID       uuid.UUID       `json:"order_id"`
	Level         int             `json:"level"`
	Amount        int64           `json:"amount"`
	Rate          decimal.Decimal `json:"rate"`
}

type Input struct {
	OrderID   uuid.UUID
	Amount    int64
	BuyerRank models.Rank
	Upline    []hierarchy.Member
}

type Result struct {
	Distributions []Distribution `json:"distributions"`
	Total         int64          `json:"total"`
	// Truncated is what the rates asked for beyond the order amount and was not paid.
	Truncated int64 `json:"truncated"`
}

// Compute derives per-level commissions. Each amount is floor(amount * rate%)
// in minor units; members whose amount is zero are skipped; the running total
// never exceeds the order amount. Compute is pure: equal inputs give equal output.
func Compute(in Input, rates Rates) (Result, error) {
	if in.Amount < 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrNegativeAmount, in.Amount)
	}
	if rates == nil {
		return Result{}, ErrMissingRateTable
	}
	if t, ok := rates.(*RateTable); ok && t == nil {
		return Result{}, ErrMissingRateTable
	}

	res := Result{Distributions: make([]Distribution, 0, len(in.Upline))}
	base := decimal.NewFromInt(in.Amount)

	for i, member := range in.Upline {
		level := i + 1
		rate := rates.Rate(level, member.Rank, in.BuyerRank)
		if !rate.IsPositive() {
			continue
		}

		amount := base.Mul(rate).Shift(-2).Floor().IntPart()
		if remaining := in.Amount - res.Total; amount > remaining {
			res.Truncated += amount - remaining
			amount = remaining
		}
		if amount <= 0 {
			continue
		}

		res.Distributions = append(res.Distributions, Distribution{
			BeneficiaryID: member.UserID,
			OrderID:       in.OrderID,
			Level:         level,
			Amount:        amount,
			Rate:          rate,
		})
		res.Total += amount
	}

	return res, nil
}

// Plan converts a result into the snapshot persisted on a callback record.
func (r Result) Plan() models.DistributionPlan {
	plan := make(models.DistributionPlan, 0, len(r.Distributions))
	for _, d := range r.Distributions {
		plan = append(plan, models.PlannedCredit{
			BeneficiaryID: d.BeneficiaryID,
			Level:         d.Level,
			Amount:        d.Amount,
			Rate:          d.Rate.String(),
		})
	}
	return plan
}
