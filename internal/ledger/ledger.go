// Package ledger stores vehicles, fuel records and coupon purchases.
package ledger

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Payment methods a fuel record can carry.
const (
	PaymentCash   = "cash"
	PaymentCoupon = "coupon"
)

// Vehicle is a fleet car.
type Vehicle struct {
	ID        string    `json:"id"`
	Plate     string    `json:"plate"`
	Brand     string    `json:"brand"`
	Model     string    `json:"model,omitempty"`
	Year      int       `json:"year,omitempty"`
	Mileage   int       `json:"mileage"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName is the brand and model followed by the plate.
func (v Vehicle) DisplayName() string {
	name := v.Brand
	if v.Model != "" {
		name += " " + v.Model
	}
	if name == "" {
		return v.Plate
	}
	return name + " (" + v.Plate + ")"
}

// FuelRecord is one fueling of a vehicle.
type FuelRecord struct {
	ID            string          `json:"id"`
	VehicleID     string          `json:"vehicle_id"`
	Date          string          `json:"date"`
	Liters        decimal.Decimal `json:"liters"`
	PricePerLiter decimal.Decimal `json:"price_per_liter"`
	Mileage       int             `json:"mileage"`
	Station       string          `json:"station,omitempty"`
	FullTank      bool            `json:"full_tank"`
	// Consumption in l/100km against the previous full-tank record, zero
	// when there is none.
	Consumption  decimal.Decimal `json:"consumption"`
	Payment      string          `json:"payment"`
	CouponNumber string          `json:"coupon_number,omitempty"`
	Attachment   string          `json:"attachment,omitempty"`
	Source       string          `json:"source"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Total is the cost of the fueling.
func (r FuelRecord) Total() decimal.Decimal {
	return r.Liters.Mul(r.PricePerLiter)
}

// CouponPurchase is a batch of coupon liters bought from a supplier.
type CouponPurchase struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	Liters        decimal.Decimal `json:"liters"`
	PricePerLiter decimal.Decimal `json:"price_per_liter"`
	Supplier      string          `json:"supplier,omitempty"`
	Note          string          `json:"note,omitempty"`
	Source        string          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CouponBalance compares purchased coupon liters with liters fueled by
// anything other than cash.
type CouponBalance struct {
	Purchased decimal.Decimal `json:"purchased"`
	Used      decimal.Decimal `json:"used"`
	Balance   decimal.Decimal `json:"balance"`
}

// Store defines the ledger operations
type Store interface {
	FindVehicleByPlate(plate string) (*Vehicle, error)
	GetVehicle(id string) (*Vehicle, error)
	SaveVehicle(v *Vehicle) error
	ListVehicles() ([]*Vehicle, error)

	AppendFuelRecord(r *FuelRecord) (*FuelRecord, error)
	ListFuelRecords(vehicleID string) ([]*FuelRecord, error)

	AppendCouponPurchase(p *CouponPurchase) (*CouponPurchase, error)
	ListCouponPurchases() ([]*CouponPurchase, error)
	GetCouponBalance() (CouponBalance, error)

	LoadIssued(day string) ([]string, error)
	SaveIssued(day string, numbers []string) error

	Close() error
}

// consumption is liters per 100 km over the distance from the closest
// earlier full-tank record.
func consumption(records []*FuelRecord, mileage int, liters decimal.Decimal) decimal.Decimal {
	prev := 0
	for _, r := range records {
		if r.FullTank && r.Mileage < mileage && r.Mileage > prev {
			prev = r.Mileage
		}
	}
	if prev == 0 {
		return decimal.Zero
	}
	return liters.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(mileage - prev))).Round(2)
}
