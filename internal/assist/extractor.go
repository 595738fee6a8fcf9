// Package assist asks a language model to read fuel reports the rule
// parser could not understand.
package assist

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/parser"
)

// Extractor turns free text into a fuel report
type Extractor interface {
	// Extract reads text and returns the report it describes
	Extract(ctx context.Context, text string) (parser.Report, error)
	// Close releases resources
	Close() error
}

// reportPrompt is shared by all model providers
const reportPrompt = `You read short fuel reports written by truck drivers in Ukrainian or Russian.
Extract the following fields from the message below:

1. plate: the vehicle registration plate, for example "AA 1234 BB"
2. mileage: the odometer reading in kilometers, as an integer
3. liters: the fueled volume in liters
4. price_per_liter: the price of one liter in UAH
5. station: the fuel station brand (OKKO, WOG, SOCAR, UPG, BRSM, Shell, ANP), if named
6. full_tank: true if the driver says the tank was filled completely

Use null for every field the message does not contain. Never guess numbers.

Return ONLY valid JSON in this exact format (no markdown, no other text):
{"plate": "AA 1234 BB", "mileage": 55500, "liters": 45, "price_per_liter": 52.5, "station": "OKKO", "full_tank": false}

Message:
`

type reportJSON struct {
	Plate         *string             `json:"plate"`
	Mileage       decimal.NullDecimal `json:"mileage"`
	Liters        decimal.NullDecimal `json:"liters"`
	PricePerLiter decimal.NullDecimal `json:"price_per_liter"`
	Station       *string             `json:"station"`
	FullTank      *bool               `json:"full_tank"`
}

// cleanResponse strips code fences and keeps the outermost JSON object.
func cleanResponse(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return "", errors.New("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end == -1 || end < start {
		return "", errors.New("invalid JSON object in response")
	}
	return text[start : end+1], nil
}

// parseReportJSON converts a model reply into a report of raw. Override
// markers are taken from the original text, never from the model.
func parseReportJSON(reply, raw string) (parser.Report, error) {
	text, err := cleanResponse(reply)
	if err != nil {
		return parser.Report{}, err
	}

	var data reportJSON
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return parser.Report{}, errors.Wrap(err, "unmarshaling json")
	}

	report := parser.Parse(raw)
	report.Plate = ""
	if data.Plate != nil {
		report.Plate = strings.TrimSpace(*data.Plate)
	}
	report.Mileage = 0
	if data.Mileage.Valid {
		report.Mileage = int(data.Mileage.Decimal.IntPart())
	}
	report.Liters = decimal.Zero
	if data.Liters.Valid {
		report.Liters = data.Liters.Decimal
	}
	report.PricePerLiter = decimal.Zero
	if data.PricePerLiter.Valid {
		report.PricePerLiter = data.PricePerLiter.Decimal
	}
	if data.Station != nil {
		report.Station = strings.ToUpper(strings.TrimSpace(*data.Station))
	}
	if data.FullTank != nil {
		report.FullTank = report.FullTank || *data.FullTank
	}
	return report.Finalize(), nil
}
