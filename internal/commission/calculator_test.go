// internal/commission/calculator_test.go
package commission

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/models"
)

type rateFunc func(level int, beneficiary, buyer models.Rank) decimal.Decimal

func (f rateFunc) Rate(level int, beneficiary, buyer models.Rank) decimal.Decimal {
	return f(level, beneficiary, buyer)
}

func entry(level int, rank models.Rank, buyer models.Rank, pct string) models.RateEntry {
	return models.RateEntry{Level: level, BeneficiaryRank: rank, BuyerRank: buyer, Percent: decimal.RequireFromString(pct)}
}

func scenarioTable(t *testing.T) *RateTable {
	t.Helper()
	table, err := NewRateTable("v1", []models.RateEntry{
		entry(1, models.RankStar1, "", "10"),
		entry(2, models.RankStar3, "", "5"),
		entry(3, models.RankDirector, "", "2"),
	})
	require.NoError(t, err)
	return table
}

func TestComputeScenario(t *testing.T) {
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	order := uuid.New()

	res, err := Compute(Input{
		OrderID:   order,
		Amount:    10000,
		BuyerRank: models.RankNormal,
		Upline: []hierarchy.Member{
			{UserID: u1, Rank: models.RankStar1},
			{UserID: u2, Rank: models.RankStar3},
			{UserID: u3, Rank: models.RankDirector},
		},
	}, scenarioTable(t))
	require.NoError(t, err)

	require.Len(t, res.Distributions, 3)
	got := make([][3]interface{}, 0, 3)
	for _, d := range res.Distributions {
		assert.Equal(t, order, d.OrderID)
		got = append(got, [3]interface{}{d.BeneficiaryID, d.Amount, d.Level})
	}
	assert.Equal(t, [][3]interface{}{
		{u1, int64(1000), 1},
		{u2, int64(500), 2},
		{u3, int64(200), 3},
	}, got)
	assert.Equal(t, int64(1700), res.Total)
	assert.Zero(t, res.Truncated)
}

func TestComputeSkipsAbsentRatesAndZeroAmounts(t *testing.T) {
	table := scenarioTable(t)

	// Level 1 is a VIP with no entry; level 2 is not a STAR_3.
	res, err := Compute(Input{
		Amount: 10000,
		Upline: []hierarchy.Member{
			{UserID: uuid.New(), Rank: models.RankVIP},
			{UserID: uuid.New(), Rank: models.RankStar1},
			{UserID: uuid.New(), Rank: models.RankDirector},
		},
	}, table)
	require.NoError(t, err)
	require.Len(t, res.Distributions, 1)
	assert.Equal(t, 3, res.Distributions[0].Level)

	// floor(5 * 10%) == 0
	res, err = Compute(Input{
		Amount: 5,
		Upline: []hierarchy.Member{{UserID: uuid.New(), Rank: models.RankStar1}},
	}, table)
	require.NoError(t, err)
	assert.Empty(t, res.Distributions)
	assert.Zero(t, res.Total)
}

func TestComputeFloorsMinorUnits(t *testing.T) {
	table, err := NewRateTable("v1", []models.RateEntry{entry(1, models.RankVIP, "", "3.33")})
	require.NoError(t, err)

	res, err := Compute(Input{Amount: 999, Upline: []hierarchy.Member{{UserID: uuid.New(), Rank: models.RankVIP}}}, table)
	require.NoError(t, err)
	// 999 * 3.33% = 33.2667
	assert.Equal(t, int64(33), res.Total)
}

func TestComputeTruncatesAtOrderAmount(t *testing.T) {
	sixty := rateFunc(func(int, models.Rank, models.Rank) decimal.Decimal { return decimal.NewFromInt(60) })

	res, err := Compute(Input{
		Amount: 1000,
		Upline: []hierarchy.Member{
			{UserID: uuid.New(), Rank: models.RankVIP},
			{UserID: uuid.New(), Rank: models.RankVIP},
			{UserID: uuid.New(), Rank: models.RankVIP},
		},
	}, sixty)
	require.NoError(t, err)

	require.Len(t, res.Distributions, 2)
	assert.Equal(t, int64(600), res.Distributions[0].Amount)
	assert.Equal(t, int64(400), res.Distributions[1].Amount)
	assert.Equal(t, int64(1000), res.Total)
	assert.Equal(t, int64(800), res.Truncated)
}

func TestComputeConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		amount := rng.Int63n(1_000_000)
		upline := make([]hierarchy.Member, rng.Intn(12))
		for j := range upline {
			upline[j] = hierarchy.Member{UserID: uuid.New(), Rank: models.Ranks[rng.Intn(len(models.Ranks))]}
		}
		pcts := make([]decimal.Decimal, len(upline)+1)
		for j := range pcts {
			pcts[j] = decimal.New(rng.Int63n(5000), -2)
		}
		rates := rateFunc(func(level int, _, _ models.Rank) decimal.Decimal { return pcts[level] })

		res, err := Compute(Input{Amount: amount, Upline: upline}, rates)
		require.NoError(t, err)

		var sum int64
		for _, d := range res.Distributions {
			assert.Positive(t, d.Amount)
			sum += d.Amount
		}
		assert.Equal(t, res.Total, sum)
		assert.LessOrEqual(t, res.Total, amount)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	table := scenarioTable(t)
	in := Input{
		OrderID: uuid.New(),
		Amount:  123457,
		Upline: []hierarchy.Member{
			{UserID: uuid.New(), Rank: models.RankStar1},
			{UserID: uuid.New(), Rank: models.RankStar3},
			{UserID: uuid.New(), Rank: models.RankDirector},
		},
	}

	first, err := Compute(in, table)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compute(in, table)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeInvalidInput(t *testing.T) {
	_, err := Compute(Input{Amount: -1}, scenarioTable(t))
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = Compute(Input{Amount: 100}, nil)
	assert.ErrorIs(t, err, ErrMissingRateTable)

	var missing *RateTable
	_, err = Compute(Input{Amount: 100}, missing)
	assert.ErrorIs(t, err, ErrMissingRateTable)
}

func TestRateKeyedByBuyerRank(t *testing.T) {
	table, err := NewRateTable("v1", []models.RateEntry{
		entry(1, models.RankStar1, "", "10"),
		entry(1, models.RankStar1, models.RankVIP, "12.5"),
	})
	require.NoError(t, err)

	upline := []hierarchy.Member{{UserID: uuid.New(), Rank: models.RankStar1}}

	res, err := Compute(Input{Amount: 10000, BuyerRank: models.RankVIP, Upline: upline}, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), res.Total)

	res, err = Compute(Input{Amount: 10000, BuyerRank: models.RankNormal, Upline: upline}, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Total)
}

func TestNewRateTableValidation(t *testing.T) {
	cases := map[string][]models.RateEntry{
		"unknown rank":     {entry(1, models.Rank("STAR_9"), "", "1")},
		"unknown buyer":    {entry(1, models.RankVIP, models.Rank("GOLD"), "1")},
		"level zero":       {entry(0, models.RankVIP, "", "1")},
		"above hundred":    {entry(1, models.RankVIP, "", "100.01")},
		"negative percent": {entry(1, models.RankVIP, "", "-1")},
		"duplicate":        {entry(1, models.RankVIP, "", "1"), entry(1, models.RankVIP, "", "2")},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRateTable("v1", entries)
			assert.ErrorIs(t, err, ErrInvalidRate)
		})
	}

	_, err := NewRateTable("v1", []models.RateEntry{
		entry(1, models.RankStar1, "", "50"),
		entry(2, models.RankVIP, "", "40"),
		entry(2, models.RankStar1, models.RankVIP, "60"),
	})
	assert.ErrorIs(t, err, ErrRateTableOverflow)
}

func TestResultPlan(t *testing.T) {
	res, err := Compute(Input{
		Amount: 10000,
		Upline: []hierarchy.Member{{UserID: uuid.New(), Rank: models.RankStar1}},
	}, scenarioTable(t))
	require.NoError(t, err)

	plan := res.Plan()
	require.Len(t, plan, 1)
	assert.Equal(t, res.Distributions[0].BeneficiaryID, plan[0].BeneficiaryID)
	assert.Equal(t, "10", plan[0].Rate)
	assert.Equal(t, res.Total, plan.Total())
}
