package types

import "time"

// PriceSample is a single hourly point of the day-ahead market price curve.
// Samples are published by the market operator for a business date and are
// immutable once fetched.
type PriceSample struct {
	TSStart time.Time `json:"tsStart"`
	// MarketPrice is the raw day-ahead market price (PLN/kWh) before any
	// tariff components are applied.
	MarketPrice float64 `json:"marketPrice"`
}

// PriceComponents is the fully decomposed delivered price for one interval.
// FinalPrice is always MarketPrice + SCComponent + DistributionPrice and is
// the single source of truth for "price" everywhere downstream. Nothing may
// add the sc or distribution component a second time.
type PriceComponents struct {
	TSStart           time.Time `json:"tsStart"`
	MarketPrice       float64   `json:"marketPrice"`
	SCComponent       float64   `json:"scComponent"`
	DistributionPrice float64   `json:"distributionPrice"`
	FinalPrice        float64   `json:"finalPrice"`
}

// KompasStatus is the 4-level grid-load indicator published by PSE
// ("Energetyczny Kompas"), ordered from lowest to highest severity.
type KompasStatus string

const (
	KompasUnknown           KompasStatus = ""
	KompasRecommendedUse    KompasStatus = "RECOMMENDED_USE"
	KompasNormal            KompasStatus = "NORMAL"
	KompasRecommendedSaving KompasStatus = "RECOMMENDED_SAVING"
	KompasRequiredReduction KompasStatus = "REQUIRED_REDUCTION"
)

// Severity returns the ordering of the status from 0 (lowest grid load) to
// 3 (highest). Unknown returns -1.
func (k KompasStatus) Severity() int {
	switch k {
	case KompasRecommendedUse:
		return 0
	case KompasNormal:
		return 1
	case KompasRecommendedSaving:
		return 2
	case KompasRequiredReduction:
		return 3
	}
	return -1
}

// Valid reports whether the status is one of the four published levels.
func (k KompasStatus) Valid() bool {
	return k.Severity() >= 0
}
