// Package mileage checks odometer readings against a vehicle's baseline.
package mileage

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// Default plausible consumption window in liters per 100 km.
const (
	DefaultMin = 3
	DefaultMax = 30
)

var (
	// ErrMileageRegression is a hard rejection: the new reading is below
	// the last known one. It cannot be overridden.
	ErrMileageRegression = errors.New("mileage regression")
	// ErrImplausibleConsumption is a soft rejection that the operator may
	// bypass with the override marker.
	ErrImplausibleConsumption = errors.New("implausible consumption")
)

// Verdict is the outcome of a successful check.
type Verdict int

const (
	// Accepted means the reading and implied consumption are plausible.
	Accepted Verdict = iota
	// Skipped means there was no usable baseline to compare against.
	Skipped
	// Overridden means the soft check failed but the operator acknowledged it.
	Overridden
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Skipped:
		return "skipped"
	case Overridden:
		return "overridden"
	default:
		return "unknown"
	}
}

// Result describes a check. Consumption is zero when the check was skipped.
type Result struct {
	Verdict     Verdict
	Last        int
	Next        int
	Delta       int
	Consumption decimal.Decimal
}

// Validator holds the plausible consumption window.
type Validator struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// NewValidator creates a Validator for the given window in l/100km.
func NewValidator(minConsumption, maxConsumption float64) Validator {
	return Validator{
		Min: decimal.NewFromFloat(minConsumption),
		Max: decimal.NewFromFloat(maxConsumption),
	}
}

// DefaultValidator uses the 3..30 l/100km window.
func DefaultValidator() Validator {
	return Validator{Min: decimal.NewFromInt(DefaultMin), Max: decimal.NewFromInt(DefaultMax)}
}

// Check validates next against last for a refuel of liters. A non-nil
// error is marked with ErrMileageRegression or ErrImplausibleConsumption
// and the returned Result still carries the computed figures.
func (v Validator) Check(last, next int, liters decimal.Decimal, override bool) (Result, error) {
	res := Result{Last: last, Next: next, Delta: next - last}

	if last <= 0 || next <= 0 {
		res.Verdict = Skipped
		return res, nil
	}
	if next < last {
		return res, errors.Mark(
			errors.Newf("new mileage %d is below last known %d", next, last),
			ErrMileageRegression,
		)
	}
	if res.Delta == 0 || !liters.IsPositive() {
		res.Verdict = Skipped
		return res, nil
	}

	res.Consumption = Consumption(liters, res.Delta)
	if res.Consumption.GreaterThanOrEqual(v.Min) && res.Consumption.LessThanOrEqual(v.Max) {
		res.Verdict = Accepted
		return res, nil
	}
	if override {
		res.Verdict = Overridden
		return res, nil
	}
	return res, errors.Mark(
		errors.Newf("consumption %s l/100km outside %s..%s", res.Consumption.StringFixed(1), v.Min, v.Max),
		ErrImplausibleConsumption,
	)
}

// Consumption is liters per 100 km over distance, rounded to one decimal.
func Consumption(liters decimal.Decimal, distance int) decimal.Decimal {
	if distance <= 0 {
		return decimal.Zero
	}
	return liters.Div(decimal.NewFromInt(int64(distance))).Mul(decimal.NewFromInt(100)).Round(1)
}
