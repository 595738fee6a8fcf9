package ledger

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/fleet-fuel/internal/parser"
)

const (
	vehicleBucket  = "vehicles"
	fuelBucket     = "fuel"
	purchaseBucket = "coupon_purchases"
	issuedBucket   = "issued_coupons"
)

// BoltDB implements Store using BoltDB
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Store = (*BoltDB)(nil)

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithDeps(path, time.Now)
}

// NewBoltDBWithDeps creates a BoltDB with an injected clock
func NewBoltDBWithDeps(path string, now func() time.Time) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening boltdb")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{vehicleBucket, fuelBucket, purchaseBucket, issuedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating buckets")
	}

	return &BoltDB{db: db, now: now}, nil
}

func put(tx *bbolt.Tx, bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s record", bucket)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func list[T any](tx *bbolt.Tx, bucket string, keep func(*T) bool) ([]*T, error) {
	out := make([]*T, 0)
	err := tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return errors.Wrapf(err, "unmarshaling %s record %s", bucket, k)
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

// FindVehicleByPlate looks a vehicle up ignoring spacing, case and
// Cyrillic look-alike letters.
func (b *BoltDB) FindVehicleByPlate(plate string) (*Vehicle, error) {
	key := parser.PlateKey(plate)
	var found *Vehicle
	err := b.db.View(func(tx *bbolt.Tx) error {
		vehicles, err := list[Vehicle](tx, vehicleBucket, func(v *Vehicle) bool {
			return parser.PlateKey(v.Plate) == key
		})
		if err != nil {
			return err
		}
		if len(vehicles) > 0 {
			found = vehicles[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "vehicle %s", plate)
	}
	return found, nil
}

// GetVehicle retrieves a vehicle by ID
func (b *BoltDB) GetVehicle(id string) (*Vehicle, error) {
	var vehicle *Vehicle
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		vehicle, err = getVehicle(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vehicle, nil
}

func getVehicle(tx *bbolt.Tx, id string) (*Vehicle, error) {
	data := tx.Bucket([]byte(vehicleBucket)).Get([]byte(id))
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "vehicle %s", id)
	}
	var v Vehicle
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "unmarshaling vehicle")
	}
	return &v, nil
}

// SaveVehicle creates or updates a vehicle, assigning an ID when missing
func (b *BoltDB) SaveVehicle(v *Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = b.now()
	}
	if plate := parser.NormalizePlate(v.Plate); plate != "" {
		v.Plate = plate
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, vehicleBucket, v.ID, v)
	})
}

// ListVehicles returns all vehicles sorted by plate
func (b *BoltDB) ListVehicles() ([]*Vehicle, error) {
	var vehicles []*Vehicle
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		vehicles, err = list[Vehicle](tx, vehicleBucket, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].Plate < vehicles[j].Plate })
	return vehicles, nil
}

// AppendFuelRecord stores a fuel record, computing its consumption and
// raising the vehicle's mileage when the record is higher. Both writes
// happen in one transaction.
func (b *BoltDB) AppendFuelRecord(r *FuelRecord) (*FuelRecord, error) {
	if r.VehicleID == "" {
		return nil, errors.New("fuel record has no vehicle")
	}
	stored := *r
	stored.ID = uuid.NewString()
	stored.CreatedAt = b.now()
	if stored.Date == "" {
		stored.Date = stored.CreatedAt.Format("2006-01-02")
	}
	if stored.Payment == "" {
		stored.Payment = PaymentCash
	}
	if stored.Source == "" {
		stored.Source = "telegram"
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		vehicle, err := getVehicle(tx, stored.VehicleID)
		if err != nil {
			return err
		}
		previous, err := list[FuelRecord](tx, fuelBucket, func(f *FuelRecord) bool {
			return f.VehicleID == stored.VehicleID
		})
		if err != nil {
			return err
		}
		stored.Consumption = consumption(previous, stored.Mileage, stored.Liters)

		if err := put(tx, fuelBucket, stored.ID, &stored); err != nil {
			return err
		}
		if stored.Mileage > vehicle.Mileage {
			vehicle.Mileage = stored.Mileage
			return put(tx, vehicleBucket, vehicle.ID, vehicle)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "appending fuel record")
	}
	return &stored, nil
}

// ListFuelRecords returns a vehicle's fuel records, or all records when
// vehicleID is empty, oldest first.
func (b *BoltDB) ListFuelRecords(vehicleID string) ([]*FuelRecord, error) {
	var records []*FuelRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		records, err = list[FuelRecord](tx, fuelBucket, func(f *FuelRecord) bool {
			return vehicleID == "" || f.VehicleID == vehicleID
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Mileage < records[j].Mileage
	})
	return records, nil
}

// AppendCouponPurchase stores a coupon purchase
func (b *BoltDB) AppendCouponPurchase(p *CouponPurchase) (*CouponPurchase, error) {
	if !p.Liters.IsPositive() {
		return nil, errors.New("coupon purchase needs a positive volume")
	}
	stored := *p
	stored.ID = uuid.NewString()
	stored.CreatedAt = b.now()
	if stored.Date == "" {
		stored.Date = stored.CreatedAt.Format("2006-01-02")
	}
	if stored.Source == "" {
		stored.Source = "api"
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, purchaseBucket, stored.ID, &stored)
	})
	if err != nil {
		return nil, errors.Wrap(err, "appending coupon purchase")
	}
	return &stored, nil
}

// ListCouponPurchases returns all coupon purchases, oldest first
func (b *BoltDB) ListCouponPurchases() ([]*CouponPurchase, error) {
	var purchases []*CouponPurchase
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		purchases, err = list[CouponPurchase](tx, purchaseBucket, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(purchases, func(i, j int) bool { return purchases[i].CreatedAt.Before(purchases[j].CreatedAt) })
	return purchases, nil
}

// GetCouponBalance is purchased liters minus liters of every fuel record
// not paid in cash.
func (b *BoltDB) GetCouponBalance() (CouponBalance, error) {
	balance := CouponBalance{Purchased: decimal.Zero, Used: decimal.Zero}
	err := b.db.View(func(tx *bbolt.Tx) error {
		purchases, err := list[CouponPurchase](tx, purchaseBucket, nil)
		if err != nil {
			return err
		}
		for _, p := range purchases {
			balance.Purchased = balance.Purchased.Add(p.Liters)
		}
		records, err := list[FuelRecord](tx, fuelBucket, func(f *FuelRecord) bool {
			return !strings.EqualFold(f.Payment, PaymentCash)
		})
		if err != nil {
			return err
		}
		for _, r := range records {
			balance.Used = balance.Used.Add(r.Liters)
		}
		return nil
	})
	if err != nil {
		return CouponBalance{}, errors.Wrap(err, "computing coupon balance")
	}
	balance.Balance = balance.Purchased.Sub(balance.Used)
	return balance, nil
}

// LoadIssued returns the coupon numbers issued on day
func (b *BoltDB) LoadIssued(day string) ([]string, error) {
	var numbers []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(issuedBucket)).Get([]byte(day))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &numbers)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading issued coupons for %s", day)
	}
	return numbers, nil
}

// SaveIssued replaces the coupon numbers issued on day
func (b *BoltDB) SaveIssued(day string, numbers []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, issuedBucket, day, numbers)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
