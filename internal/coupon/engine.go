package coupon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

// ErrUnavailable is returned when no unissued coupon of the requested
// denomination is in stock.
var ErrUnavailable = errors.New("no coupon of this denomination available")

// Defaults for replenishment.
const (
	DefaultLowStockThreshold = 1
	DefaultReorderQuantity   = 10
	replenishTimeout         = 2 * time.Minute
)

// Stock is the provider side the engine allocates from and orders through.
type Stock interface {
	FetchActiveCoupons(ctx context.Context, force bool) ([]fuelnet.Coupon, error)
	CreateOrder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Order, error)
	Invoice(ctx context.Context, order fuelnet.Order) ([]byte, error)
}

// Storage saves files such as invoice PDFs.
type Storage interface {
	Save(filename string, data []byte) (string, error)
}

// NominalCount is the number of unissued coupons of one denomination.
type NominalCount struct {
	Nominal int `json:"nominal"`
	Count   int `json:"count"`
}

// Replenishment is the outcome of one order placed for a low denomination.
type Replenishment struct {
	Nominal     int    `json:"nominal"`
	Quantity    int    `json:"quantity"`
	OrderID     string `json:"order_id,omitempty"`
	InvoicePath string `json:"invoice_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	LowStockThreshold int
	ReorderQuantity   int
	AutoReorder       bool
	// Async runs background work. Defaults to a new goroutine.
	Async func(func())
}

// Engine allocates coupons by exact denomination and reorders stock.
type Engine struct {
	stock     Stock
	issued    *IssuedLedger
	storage   Storage
	threshold int
	quantity  int
	auto      bool
	async     func(func())

	replenishing atomic.Bool
}

// NewEngine creates an Engine. storage may be nil, in which case invoices
// are not kept.
func NewEngine(stock Stock, issued *IssuedLedger, storage Storage, cfg EngineConfig) *Engine {
	if cfg.LowStockThreshold < 0 {
		cfg.LowStockThreshold = DefaultLowStockThreshold
	}
	if cfg.ReorderQuantity <= 0 {
		cfg.ReorderQuantity = DefaultReorderQuantity
	}
	if cfg.Async == nil {
		cfg.Async = func(f func()) { go f() }
	}
	return &Engine{
		stock:     stock,
		issued:    issued,
		storage:   storage,
		threshold: cfg.LowStockThreshold,
		quantity:  cfg.ReorderQuantity,
		auto:      cfg.AutoReorder,
		async:     cfg.Async,
	}
}

// Allocate hands out the first cached coupon of exactly nominal liters not
// yet issued today and records it as issued before returning. It never
// substitutes another denomination.
func (e *Engine) Allocate(ctx context.Context, nominal int) (fuelnet.Coupon, error) {
	coupons, err := e.stock.FetchActiveCoupons(ctx, false)
	if err != nil {
		return fuelnet.Coupon{}, errors.Wrap(err, "fetching coupons")
	}

	for _, c := range coupons {
		if c.Nominal != nominal {
			continue
		}
		if e.issued.TryMark(c.Number) {
			slog.Info("Coupon allocated", "number", c.Number, "nominal", nominal, "day", e.issued.Day())
			e.TriggerReplenish()
			return c, nil
		}
	}

	slog.Warn("No coupon available", "nominal", nominal)
	e.TriggerReplenish()
	return fuelnet.Coupon{}, errors.Wrapf(ErrUnavailable, "%d l", nominal)
}

// AvailableNominals counts unissued coupons per denomination, sorted by
// denomination. A denomination whose coupons were all issued today is
// reported with a zero count.
func (e *Engine) AvailableNominals(ctx context.Context) ([]NominalCount, error) {
	coupons, err := e.stock.FetchActiveCoupons(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "fetching coupons")
	}
	return e.count(coupons), nil
}

func (e *Engine) count(coupons []fuelnet.Coupon) []NominalCount {
	counts := map[int]int{}
	for _, c := range coupons {
		if _, ok := counts[c.Nominal]; !ok {
			counts[c.Nominal] = 0
		}
		if !e.issued.Has(c.Number) {
			counts[c.Nominal]++
		}
	}
	out := make([]NominalCount, 0, len(counts))
	for n, cnt := range counts {
		out = append(out, NominalCount{Nominal: n, Count: cnt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nominal < out[j].Nominal })
	return out
}

// LowStock returns the denominations with at most threshold coupons left.
// Denominations that were never in stock are not reported.
func (e *Engine) LowStock(ctx context.Context, threshold int) ([]NominalCount, error) {
	counts, err := e.AvailableNominals(ctx)
	if err != nil {
		return nil, err
	}
	var low []NominalCount
	for _, nc := range counts {
		if nc.Count <= threshold {
			low = append(low, nc)
		}
	}
	return low, nil
}

// Replenish orders the configured quantity for every low denomination and
// keeps each order's invoice. Per-order failures are reported in the
// result, not as an error.
func (e *Engine) Replenish(ctx context.Context) ([]Replenishment, error) {
	low, err := e.LowStock(ctx, e.threshold)
	if err != nil {
		return nil, err
	}
	if len(low) == 0 {
		slog.Info("Coupon stock sufficient")
		return nil, nil
	}

	results := make([]Replenishment, 0, len(low))
	for _, nc := range low {
		r := Replenishment{Nominal: nc.Nominal, Quantity: e.quantity}
		order, err := e.stock.CreateOrder(ctx, fuelnet.OrderRequest{Nominal: nc.Nominal, Quantity: e.quantity})
		if err != nil {
			slog.Error("Failed to order coupons", "nominal", nc.Nominal, "quantity", e.quantity, "error", err)
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.OrderID = order.ID
		r.InvoicePath = e.keepInvoice(ctx, order)
		slog.Info("Coupons ordered", "nominal", nc.Nominal, "quantity", e.quantity, "order_id", order.ID, "invoice", r.InvoicePath)
		results = append(results, r)
	}
	return results, nil
}

func (e *Engine) keepInvoice(ctx context.Context, order fuelnet.Order) string {
	pdf, err := e.stock.Invoice(ctx, order)
	if err != nil {
		slog.Warn("Failed to get invoice", "order_id", order.ID, "error", err)
		return ""
	}
	if e.storage == nil {
		return ""
	}
	path, err := e.storage.Save(fmt.Sprintf("invoice_%s.pdf", order.ID), pdf)
	if err != nil {
		slog.Warn("Failed to save invoice", "order_id", order.ID, "error", err)
		return ""
	}
	return path
}

// TriggerReplenish starts a background replenishment when auto reorder is
// on and none is running. It never blocks the caller.
func (e *Engine) TriggerReplenish() bool {
	if !e.auto || !e.replenishing.CompareAndSwap(false, true) {
		return false
	}
	e.async(func() {
		defer e.replenishing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
		defer cancel()
		if _, err := e.Replenish(ctx); err != nil {
			slog.Error("Replenishment failed", "error", err)
		}
	})
	return true
}

// Threshold returns the low stock threshold.
func (e *Engine) Threshold() int {
	return e.threshold
}
