package simservice

import (
	"hash/fnv"
	"math/rand"
	"strconv"

	"simdash/internal/models"
)

// categories is the number of product categories the synthetic shop stocks.
const categories = 4

type generator struct {
	rng       *rand.Rand
	req       models.RunRequest
	inventory int
}

// newGenerator seeds from the request so equal requests produce equal runs.
func newGenerator(req models.RunRequest) *generator {
	norm, err := req.Normalized()
	if err != nil {
		norm = req
	}
	h := fnv.New64a()
	for _, v := range []string{
		norm.StartDate,
		strconv.Itoa(norm.MaxSteps),
		strconv.Itoa(norm.NCustomers1),
		strconv.Itoa(norm.NCustomers2),
		strconv.Itoa(norm.NProductsPerCategory),
	} {
		_, _ = h.Write([]byte(v))
		_, _ = h.Write([]byte{0})
	}
	products := norm.NProductsPerCategory * categories
	return &generator{
		rng:       rand.New(rand.NewSource(int64(h.Sum64()))),
		req:       norm,
		inventory: products * 100,
	}
}

func (g *generator) next(step int) models.StepRecord {
	avg1 := 0.5 + g.rng.Float64()*1.5
	avg2 := 0.2 + g.rng.Float64()*0.8
	purchases := int(avg1*float64(g.req.NCustomers1) + avg2*float64(g.req.NCustomers2))

	products := g.req.NProductsPerCategory * categories
	g.inventory -= purchases
	restock := products * (20 + g.rng.Intn(60))
	g.inventory += restock
	stockout := 0.0
	if g.inventory <= 0 {
		stockout = 100
		g.inventory = 0
	} else if purchases > 0 {
		stockout = float64(g.rng.Intn(products+1)) / float64(products) * 10
	}

	rec := models.StepRecord{
		Step:                step,
		AvgPurchasesCust1:   round2(avg1),
		AvgPurchasesCust2:   round2(avg2),
		TotalDailyPurchases: purchases,
		TotalCustomers:      g.req.NCustomers1 + g.req.NCustomers2,
		TotalProducts:       products,
		StockoutRatePct:     round2(stockout),
	}
	if t, err := models.ParseStartDate(g.req.StartDate); err == nil {
		rec.Date = t.AddDate(0, 0, step-1).Format("2006-01-02")
	}
	return rec
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
