package fuelnet

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DefaultFuelType is used when a card record carries no product name.
const DefaultFuelType = "Дизельне паливо"

// Active card status on the provider side.
const StatusActive = "CHST0"

// Coupon is a normalized provider card record. Nominal is in whole liters.
type Coupon struct {
	Number    string `json:"number"`
	Nominal   int    `json:"nominal"`
	FuelType  string `json:"fuel_type"`
	ProductID string `json:"product_id,omitempty"`
	ValidFrom string `json:"valid_from,omitempty"`
	ValidTo   string `json:"valid_to,omitempty"`
	QR        string `json:"qr,omitempty"`
	Status    string `json:"status"`
}

// ValidToDate returns the date part of ValidTo.
func (c Coupon) ValidToDate() string {
	if len(c.ValidTo) >= 10 {
		return c.ValidTo[:10]
	}
	return c.ValidTo
}

// Contract is one entry of a contract listing. Balance is in minor units
// and only set by the balances endpoint.
type Contract struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// Page selects a window of a paged listing.
type Page struct {
	Offset int
	Size   int
}

// DefaultPage is the first 100 records.
var DefaultPage = Page{Offset: 0, Size: 100}

// OrderRequest asks for Quantity coupons of Nominal liters.
type OrderRequest struct {
	Nominal  int
	Quantity int
}

// Order is a created provider order.
type Order struct {
	ID       string
	Nominal  int
	Quantity int
}

// Preorder is a provider price quote. UnitPrice is the price of one coupon
// in minor units and Reply keeps the provider's answer as sent.
type Preorder struct {
	Nominal   int
	Quantity  int
	UnitPrice int64
	Reply     json.RawMessage
}

// Total is the quoted price of the whole preorder in minor units.
func (p Preorder) Total() int64 {
	return p.UnitPrice * int64(p.Quantity)
}

// Requisites are the payment details the provider returns for an order or
// a contract. Amount is in minor units.
type Requisites struct {
	Amount             int64
	ClientName         string
	CompanyEDRPOU      string
	CompanyName        string
	ContractName       string
	ContractSaleOffice string
	IBAN               string
	Expires            string
	Date               string
}

// flexString accepts a JSON string, number or bool.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexNumber accepts a JSON number or a numeric string. Anything else
// decodes as zero.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexNumber(v)
	return nil
}

func firstString(values ...flexString) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(values ...flexNumber) float64 {
	for _, v := range values {
		if v != 0 {
			return float64(v)
		}
	}
	return 0
}

// nominalLiters converts a provider volume to whole liters. Values above
// 1000 are milliliters.
func nominalLiters(v float64) int {
	if v > 1000 {
		return int(math.Round(v / 1000))
	}
	return int(v)
}
