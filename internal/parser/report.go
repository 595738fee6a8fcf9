package parser

import "github.com/shopspring/decimal"

// Field names used by Report.Missing
const (
	FieldPlate   = "plate"
	FieldLiters  = "liters"
	FieldPrice   = "price"
	FieldMileage = "mileage"
)

// Report is the structured result of parsing one operator message.
// Empty Plate/Station and zero Mileage/Liters/PricePerLiter mean "not found".
type Report struct {
	Plate         string          `json:"plate,omitempty"`
	Mileage       int             `json:"mileage,omitempty"`
	Liters        decimal.Decimal `json:"liters"`
	PricePerLiter decimal.Decimal `json:"price_per_liter"`
	Station       string          `json:"station,omitempty"`
	FullTank      bool            `json:"full_tank"`
	// Override is set when the operator acknowledged an implausible
	// consumption warning by adding the override marker.
	Override bool   `json:"override"`
	RawText  string `json:"raw_text"`
	Parsed   bool   `json:"parsed"`
}

// HasLiters reports whether a positive volume was found.
func (r Report) HasLiters() bool {
	return r.Liters.IsPositive()
}

// HasPrice reports whether a positive price per liter was found.
func (r Report) HasPrice() bool {
	return r.PricePerLiter.IsPositive()
}

// Total is liters times price, or zero when either is missing.
func (r Report) Total() decimal.Decimal {
	if !r.HasLiters() || !r.HasPrice() {
		return decimal.Zero
	}
	return r.Liters.Mul(r.PricePerLiter)
}

// Missing lists the required fields a fuel record cannot be written without.
func (r Report) Missing() []string {
	var missing []string
	if r.Plate == "" {
		missing = append(missing, FieldPlate)
	}
	if !r.HasLiters() {
		missing = append(missing, FieldLiters)
	}
	if !r.HasPrice() {
		missing = append(missing, FieldPrice)
	}
	if r.Mileage <= 0 {
		missing = append(missing, FieldMileage)
	}
	return missing
}

// computeParsed applies the success rule: a plate, or both volume and price.
func (r *Report) computeParsed() {
	r.Parsed = r.Plate != "" || (r.HasLiters() && r.HasPrice())
}

// Finalize normalizes a report built outside the rule parser (for example
// by a fallback extractor) and recomputes Parsed.
func (r Report) Finalize() Report {
	if r.Plate != "" {
		r.Plate = NormalizePlate(r.Plate)
	}
	if r.Mileage <= minMileage {
		r.Mileage = 0
	}
	if r.Liters.IsNegative() {
		r.Liters = decimal.Zero
	}
	if r.PricePerLiter.IsNegative() {
		r.PricePerLiter = decimal.Zero
	}
	r.computeParsed()
	return r
}
