package coupon

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

// mockStock is a mock implementation of Stock
type mockStock struct {
	mu         sync.Mutex
	coupons    []fuelnet.Coupon
	fetchErr   error
	orderErr   error
	invoiceErr error
	orders     []fuelnet.OrderRequest
	fetches    int
}

func (m *mockStock) FetchActiveCoupons(ctx context.Context, force bool) ([]fuelnet.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.coupons, nil
}

func (m *mockStock) CreateOrder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orderErr != nil {
		return fuelnet.Order{}, m.orderErr
	}
	m.orders = append(m.orders, req)
	return fuelnet.Order{ID: "order-" + string(rune('0'+len(m.orders))), Nominal: req.Nominal, Quantity: req.Quantity}, nil
}

func (m *mockStock) Invoice(ctx context.Context, order fuelnet.Order) ([]byte, error) {
	if m.invoiceErr != nil {
		return nil, m.invoiceErr
	}
	return []byte("%PDF-invoice"), nil
}

// mockStorage is a mock implementation of Storage
type mockStorage struct {
	files   map[string][]byte
	saveErr error
}

func (m *mockStorage) Save(filename string, data []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.files[filename] = data
	return "/files/" + filename, nil
}

// mockIssuedStore is a mock implementation of IssuedStore
type mockIssuedStore struct {
	days    map[string][]string
	saveErr error
}

func (m *mockIssuedStore) LoadIssued(day string) ([]string, error) {
	return m.days[day], nil
}

func (m *mockIssuedStore) SaveIssued(day string, numbers []string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.days[day] = numbers
	return nil
}

func coupons(pairs ...any) []fuelnet.Coupon {
	var out []fuelnet.Coupon
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, fuelnet.Coupon{Number: pairs[i].(string), Nominal: pairs[i+1].(int)})
	}
	return out
}

var _ = Describe("Engine", func() {
	var (
		stock   *mockStock
		storage *mockStorage
		clock   *fakeClock
		ledger  *IssuedLedger
		cfg     EngineConfig
		engine  *Engine
		ctx     context.Context
	)

	BeforeEach(func() {
		stock = &mockStock{coupons: coupons("A-20-1", 20, "A-20-2", 20, "A-50-1", 50)}
		storage = &mockStorage{files: map[string][]byte{}}
		clock = &fakeClock{now: time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)}
		ledger = NewIssuedLedger(time.UTC, clock.Now, nil)
		cfg = EngineConfig{
			LowStockThreshold: 1,
			ReorderQuantity:   10,
			Async:             func(f func()) { f() },
		}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		engine = NewEngine(stock, ledger, storage, cfg)
	})

	Describe("Allocate", func() {
		It("returns two different coupons and then reports none left", func() {
			first, err := engine.Allocate(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			second, err := engine.Allocate(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Number).NotTo(Equal(first.Number))
			Expect(second.Nominal).To(Equal(20))

			_, err = engine.Allocate(ctx, 20)
			Expect(errors.Is(err, ErrUnavailable)).To(BeTrue())
		})

		It("never substitutes another denomination", func() {
			_, err := engine.Allocate(ctx, 30)
			Expect(errors.Is(err, ErrUnavailable)).To(BeTrue())
		})

		It("marks the coupon issued before returning it", func() {
			c, err := engine.Allocate(ctx, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(ledger.Has(c.Number)).To(BeTrue())
		})

		It("skips coupons already issued today", func() {
			ledger.TryMark("A-20-1")
			c, err := engine.Allocate(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Number).To(Equal("A-20-2"))
		})

		It("gives every concurrent caller a distinct coupon", func() {
			stock.coupons = nil
			for i := 0; i < 20; i++ {
				stock.coupons = append(stock.coupons, fuelnet.Coupon{Number: string(rune('a' + i)), Nominal: 10})
			}

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				got = map[string]int{}
			)
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					c, err := engine.Allocate(ctx, 10)
					if err != nil {
						return
					}
					mu.Lock()
					got[c.Number]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			Expect(got).To(HaveLen(20))
			for _, n := range got {
				Expect(n).To(Equal(1))
			}
		})

		When("the stock cannot be fetched", func() {
			BeforeEach(func() {
				stock.fetchErr = fuelnet.ErrAuthFailure
			})

			It("returns the error", func() {
				_, err := engine.Allocate(ctx, 20)
				Expect(errors.Is(err, fuelnet.ErrAuthFailure)).To(BeTrue())
				Expect(errors.Is(err, ErrUnavailable)).To(BeFalse())
			})
		})
	})

	Describe("AvailableNominals", func() {
		It("counts unissued coupons per denomination", func() {
			counts, err := engine.AvailableNominals(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal([]NominalCount{{Nominal: 20, Count: 2}, {Nominal: 50, Count: 1}}))
		})

		It("keeps a denomination that ran out with a zero count", func() {
			_, err := engine.Allocate(ctx, 50)
			Expect(err).NotTo(HaveOccurred())
			counts, err := engine.AvailableNominals(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal([]NominalCount{{Nominal: 20, Count: 2}, {Nominal: 50, Count: 0}}))
		})

		It("never increases within a day and resets the next day", func() {
			before, _ := engine.AvailableNominals(ctx)
			_, err := engine.Allocate(ctx, 20)
			Expect(err).NotTo(HaveOccurred())
			after, _ := engine.AvailableNominals(ctx)
			Expect(after[0].Count).To(BeNumerically("<", before[0].Count))

			clock.Add(4 * time.Hour)
			nextDay, _ := engine.AvailableNominals(ctx)
			Expect(nextDay).To(Equal(before))
		})
	})

	Describe("LowStock", func() {
		It("reports denominations at or under the threshold", func() {
			low, err := engine.LowStock(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(low).To(Equal([]NominalCount{{Nominal: 50, Count: 1}}))
		})

		It("reports an exhausted denomination at threshold zero", func() {
			ledger.TryMark("A-50-1")
			low, err := engine.LowStock(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(low).To(Equal([]NominalCount{{Nominal: 50, Count: 0}}))
		})
	})

	Describe("Replenish", func() {
		It("orders each low denomination and keeps the invoice", func() {
			results, err := engine.Replenish(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Nominal).To(Equal(50))
			Expect(results[0].OrderID).To(Equal("order-1"))
			Expect(results[0].InvoicePath).To(Equal("/files/invoice_order-1.pdf"))
			Expect(stock.orders).To(Equal([]fuelnet.OrderRequest{{Nominal: 50, Quantity: 10}}))
			Expect(storage.files).To(HaveKey("invoice_order-1.pdf"))
		})

		It("reports failed orders in the result", func() {
			stock.orderErr = errors.New("portal down")
			results, err := engine.Replenish(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].Error).To(ContainSubstring("portal down"))
		})

		It("keeps the order when the invoice is missing", func() {
			stock.invoiceErr = fuelnet.ErrNotDocument
			results, err := engine.Replenish(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].OrderID).To(Equal("order-1"))
			Expect(results[0].InvoicePath).To(BeEmpty())
		})
	})

	Describe("TriggerReplenish", func() {
		When("auto reorder is off", func() {
			It("does nothing", func() {
				_, err := engine.Allocate(ctx, 50)
				Expect(err).NotTo(HaveOccurred())
				Expect(stock.orders).To(BeEmpty())
			})
		})

		When("auto reorder is on", func() {
			BeforeEach(func() {
				cfg.AutoReorder = true
			})

			It("orders after an allocation leaves stock low", func() {
				_, err := engine.Allocate(ctx, 20)
				Expect(err).NotTo(HaveOccurred())
				Expect(stock.orders).To(ConsistOf(
					fuelnet.OrderRequest{Nominal: 20, Quantity: 10},
					fuelnet.OrderRequest{Nominal: 50, Quantity: 10},
				))
			})

			When("the threshold is zero", func() {
				BeforeEach(func() {
					cfg.LowStockThreshold = 0
					stock.coupons = coupons("A-20-1", 20, "A-50-1", 50, "A-50-2", 50)
				})

				It("reorders the denomination that just ran out", func() {
					_, err := engine.Allocate(ctx, 20)
					Expect(err).NotTo(HaveOccurred())
					Expect(stock.orders).To(Equal([]fuelnet.OrderRequest{{Nominal: 20, Quantity: 10}}))

					_, err = engine.Allocate(ctx, 20)
					Expect(errors.Is(err, ErrUnavailable)).To(BeTrue())
					Expect(stock.orders).To(HaveLen(2))
					Expect(stock.orders[1]).To(Equal(fuelnet.OrderRequest{Nominal: 20, Quantity: 10}))
				})
			})

			It("runs one replenishment at a time", func() {
				var pending []func()
				cfg.Async = func(f func()) { pending = append(pending, f) }
				engine = NewEngine(stock, ledger, storage, cfg)

				Expect(engine.TriggerReplenish()).To(BeTrue())
				Expect(engine.TriggerReplenish()).To(BeFalse())
				pending[0]()
				Expect(engine.TriggerReplenish()).To(BeTrue())
			})
		})
	})
})

var _ = Describe("IssuedLedger", func() {
	var (
		clock  *fakeClock
		store  *mockIssuedStore
		ledger *IssuedLedger
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		store = &mockIssuedStore{days: map[string][]string{}}
		ledger = NewIssuedLedger(time.UTC, clock.Now, store)
	})

	It("lets a number be marked once per day", func() {
		Expect(ledger.TryMark("X")).To(BeTrue())
		Expect(ledger.TryMark("X")).To(BeFalse())

		clock.Add(24 * time.Hour)
		Expect(ledger.Has("X")).To(BeFalse())
		Expect(ledger.TryMark("X")).To(BeTrue())
	})

	It("persists each day's numbers", func() {
		ledger.TryMark("B")
		ledger.TryMark("A")
		Expect(store.days["2024-03-01"]).To(Equal([]string{"A", "B"}))
	})

	It("restores numbers issued before a restart", func() {
		store.days["2024-03-01"] = []string{"A"}
		Expect(ledger.Has("A")).To(BeTrue())
		Expect(ledger.Issued()).To(Equal([]string{"A"}))
	})

	It("keeps a number issued when persisting fails", func() {
		store.saveErr = errors.New("disk full")
		Expect(ledger.TryMark("A")).To(BeTrue())
		Expect(ledger.Has("A")).To(BeTrue())
	})

	It("keys days in its location", func() {
		kyiv := time.FixedZone("EET", 2*60*60)
		clock.now = time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
		ledger = NewIssuedLedger(kyiv, clock.Now, nil)
		Expect(ledger.Day()).To(Equal("2024-03-02"))
	})
})
