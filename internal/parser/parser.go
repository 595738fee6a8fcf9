// Package parser extracts fuel report fields from free-form operator messages.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// minMileage is the lowest value accepted as an odometer reading.
const minMileage = 1000

// OverrideMarkers are the acknowledgement tokens that bypass the soft
// consumption check for one report.
var OverrideMarkers = []string{"#підтверджую", "#confirm"}

var (
	commaRe      = regexp.MustCompile(`,`)
	spaceRe      = regexp.MustCompile(`\s+`)
	plateRe      = regexp.MustCompile(`(?i)([А-ЯІЇЄA-Z]{2})\s*(\d{4})\s*([А-ЯІЇЄA-Z]{2})`)
	combinedRe   = regexp.MustCompile(`(?i)(\d+\.?\d*)\s*(?:л|літр|литр)[\p{L}.]*\s*(?:по|×|x|х|\*)\s*(\d+\.\d{1,2})`)
	volumeRe     = regexp.MustCompile(`(?i)(\d+\.?\d*)\s*(?:л|літр|литр|liters?)`)
	prefixedRe   = regexp.MustCompile(`(?i)(?:по|ціна|цена|price)\s*[:=]?\s*(\d+\.\d{1,2})`)
	currencyRe   = regexp.MustCompile(`(?i)(\d+\.\d{1,2})\s*(?:грн|uah)`)
	looseRe      = regexp.MustCompile(`(\d+\.\d{2})`)
	numberRe     = regexp.MustCompile(`\d{4,7}`)
	stationRe    = regexp.MustCompile(`(?i)(окко|wog|укрнафта|shell|socar|авіас|брсм|motto)`)
	fullTankRe   = regexp.MustCompile(`(?i)(?:повний\s*бак|full\s*tank|до\s*повного)`)
	overrideRe   = regexp.MustCompile(`(?i)(?:` + strings.Join(OverrideMarkers, "|") + `)`)
	priceEpsilon = decimal.RequireFromString("0.01")
)

// span is a byte range in the normalized text.
type span struct{ start, end int }

type number struct {
	value string
	at    span
}

// findings collects what each rule saw; merge decides what wins.
type findings struct {
	plate     string
	plateSpan span

	hasCombined   bool
	comboLiters   decimal.Decimal
	comboPrice    decimal.Decimal
	liters        *decimal.Decimal
	pricePrefixed *decimal.Decimal
	priceCurrency *decimal.Decimal
	priceLoose    []decimal.Decimal

	numbers  []number
	station  string
	fullTank bool
	override bool
}

type rule struct {
	name    string
	extract func(text string, f *findings)
}

// rules run in order over the normalized text. None of them depends on
// another's output; precedence lives in merge.
var rules = []rule{
	{name: "plate", extract: extractPlate},
	{name: "volume-price", extract: extractCombined},
	{name: "volume", extract: extractVolume},
	{name: "price-prefixed", extract: extractPrefixedPrice},
	{name: "price-currency", extract: extractCurrencyPrice},
	{name: "price-loose", extract: extractLoosePrices},
	{name: "numbers", extract: extractNumbers},
	{name: "station", extract: extractStation},
	{name: "full-tank", extract: extractFullTank},
	{name: "override", extract: extractOverride},
}

// Normalize turns decimal commas into points and collapses whitespace.
func Normalize(text string) string {
	text = commaRe.ReplaceAllString(text, ".")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Parse extracts a Report from raw operator text. A message that is not
// understood yields Parsed == false rather than an error.
func Parse(text string) Report {
	report := Report{RawText: text}
	normalized := Normalize(text)
	if normalized == "" {
		return report
	}

	var f findings
	for _, r := range rules {
		r.extract(normalized, &f)
	}
	return merge(f, report)
}

func merge(f findings, report Report) Report {
	report.Plate = f.plate

	if f.hasCombined {
		report.Liters = f.comboLiters
		report.PricePerLiter = f.comboPrice
	} else {
		if f.liters != nil {
			report.Liters = *f.liters
		}
		switch {
		case f.pricePrefixed != nil:
			report.PricePerLiter = *f.pricePrefixed
		case f.priceCurrency != nil:
			report.PricePerLiter = *f.priceCurrency
		default:
			for _, p := range f.priceLoose {
				if f.liters != nil && p.Sub(*f.liters).Abs().LessThanOrEqual(priceEpsilon) {
					continue
				}
				report.PricePerLiter = p
				break
			}
		}
	}

	for _, n := range f.numbers {
		if f.plate != "" && overlaps(n.at, f.plateSpan) {
			continue
		}
		v, err := strconv.Atoi(n.value)
		if err != nil || v <= minMileage {
			continue
		}
		report.Mileage = v
		break
	}

	report.Station = f.station
	report.FullTank = f.fullTank
	report.Override = f.override
	report.computeParsed()
	return report
}

func extractPlate(text string, f *findings) {
	m := plateRe.FindStringSubmatchIndex(text)
	if m == nil {
		return
	}
	f.plate = formatPlate(text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]])
	f.plateSpan = span{m[0], m[1]}
}

func extractCombined(text string, f *findings) {
	m := combinedRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	liters, ok1 := parseDecimal(m[1])
	price, ok2 := parseDecimal(m[2])
	if !ok1 || !ok2 {
		return
	}
	f.hasCombined = true
	f.comboLiters = liters
	f.comboPrice = price
}

func extractVolume(text string, f *findings) {
	if m := volumeRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseDecimal(m[1]); ok {
			f.liters = &v
		}
	}
}

func extractPrefixedPrice(text string, f *findings) {
	if m := prefixedRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseDecimal(m[1]); ok {
			f.pricePrefixed = &v
		}
	}
}

func extractCurrencyPrice(text string, f *findings) {
	if m := currencyRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseDecimal(m[1]); ok {
			f.priceCurrency = &v
		}
	}
}

func extractLoosePrices(text string, f *findings) {
	for _, m := range looseRe.FindAllStringSubmatch(text, -1) {
		if v, ok := parseDecimal(m[1]); ok {
			f.priceLoose = append(f.priceLoose, v)
		}
	}
}

func extractNumbers(text string, f *findings) {
	for _, loc := range numberRe.FindAllStringIndex(text, -1) {
		f.numbers = append(f.numbers, number{value: text[loc[0]:loc[1]], at: span{loc[0], loc[1]}})
	}
}

func extractStation(text string, f *findings) {
	if m := stationRe.FindStringSubmatch(text); m != nil {
		f.station = strings.ToUpper(m[1])
	}
}

func extractFullTank(text string, f *findings) {
	f.fullTank = fullTankRe.MatchString(text)
}

func extractOverride(text string, f *findings) {
	f.override = overrideRe.MatchString(text)
}

func overlaps(a, b span) bool {
	return a.start < b.end && b.start < a.end
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSuffix(s, ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func formatPlate(region, digits, series string) string {
	return strings.ToUpper(region) + " " + digits + " " + strings.ToUpper(series)
}

// NormalizePlate formats a registration string as "AA 1234 BB". It
// returns an empty string when the input does not contain a plate.
func NormalizePlate(plate string) string {
	m := plateRe.FindStringSubmatch(Normalize(plate))
	if m == nil {
		return ""
	}
	return formatPlate(m[1], m[2], m[3])
}

// lookalikes maps Cyrillic letters used on plates to their Latin twins.
var lookalikes = strings.NewReplacer(
	"А", "A", "В", "B", "Е", "E", "І", "I", "К", "K", "М", "M",
	"Н", "H", "О", "O", "Р", "P", "С", "C", "Т", "T", "Х", "X",
)

// PlateKey is the lookup key for a plate: no spaces, uppercase, with
// Cyrillic look-alike letters folded to Latin.
func PlateKey(plate string) string {
	key := strings.ToUpper(spaceRe.ReplaceAllString(plate, ""))
	return lookalikes.Replace(key)
}
