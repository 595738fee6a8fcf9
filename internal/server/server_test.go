package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/ledger"
)

func TestServer(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

// mockLedger is a mock implementation of Ledger
type mockLedger struct {
	vehicles    []*ledger.Vehicle
	records     []*ledger.FuelRecord
	purchases   []*ledger.CouponPurchase
	balance     ledger.CouponBalance
	listErr     error
	appendErr   error
	vehicleSeen string
}

func (m *mockLedger) ListVehicles() ([]*ledger.Vehicle, error) {
	return m.vehicles, m.listErr
}

func (m *mockLedger) ListFuelRecords(vehicleID string) ([]*ledger.FuelRecord, error) {
	m.vehicleSeen = vehicleID
	return m.records, m.listErr
}

func (m *mockLedger) AppendCouponPurchase(p *ledger.CouponPurchase) (*ledger.CouponPurchase, error) {
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	stored := *p
	stored.ID = "p1"
	m.purchases = append(m.purchases, &stored)
	return &stored, nil
}

func (m *mockLedger) ListCouponPurchases() ([]*ledger.CouponPurchase, error) {
	return m.purchases, m.listErr
}

func (m *mockLedger) GetCouponBalance() (ledger.CouponBalance, error) {
	return m.balance, m.listErr
}

// mockStock is a mock implementation of Stock
type mockStock struct {
	counts       []coupon.NominalCount
	countsErr    error
	orders       []coupon.Replenishment
	replenishErr error
}

func (m *mockStock) AvailableNominals(ctx context.Context) ([]coupon.NominalCount, error) {
	return m.counts, m.countsErr
}

func (m *mockStock) Replenish(ctx context.Context) ([]coupon.Replenishment, error) {
	return m.orders, m.replenishErr
}

// mockProvider is a mock implementation of Provider
type mockProvider struct {
	fetched    time.Time
	forced     int
	fetchErr   error
	balance    coupon.Balance
	balanceErr error
	invoice    []byte
	topUpErr   error
	topUp      coupon.TopUp
	ensureErr  error
	seenMin    decimal.Decimal
	seenAmount decimal.Decimal
	quote      fuelnet.Preorder
	quoteErr   error
	quoted     fuelnet.OrderRequest
}

func (m *mockProvider) FetchActiveCoupons(ctx context.Context, force bool) ([]fuelnet.Coupon, error) {
	if force {
		m.forced++
	}
	return nil, m.fetchErr
}

func (m *mockProvider) LastFetch() time.Time { return m.fetched }

func (m *mockProvider) ContractBalance(ctx context.Context) (coupon.Balance, error) {
	return m.balance, m.balanceErr
}

func (m *mockProvider) TopUpInvoice(ctx context.Context, amount decimal.Decimal) ([]byte, error) {
	return m.invoice, m.topUpErr
}

func (m *mockProvider) EnsureMinBalance(ctx context.Context, min, amount decimal.Decimal) (coupon.TopUp, error) {
	m.seenMin, m.seenAmount = min, amount
	return m.topUp, m.ensureErr
}

func (m *mockProvider) Preorder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Preorder, error) {
	m.quoted = req
	return m.quote, m.quoteErr
}

// mockFiles is a mock implementation of Files
type mockFiles struct {
	files map[string][]byte
}

func (m *mockFiles) Save(filename string, data []byte) (string, error) {
	m.files[filename] = data
	return filename, nil
}

func (m *mockFiles) Get(name string) ([]byte, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, errors.Wrapf(ledger.ErrNotFound, "file %q", name)
	}
	return data, nil
}

var _ = Describe("Server", func() {
	var (
		db          *mockLedger
		stock       *mockStock
		provider    *mockProvider
		files       *mockFiles
		auth        BasicAuth
		creds       BasicAuth
		disabled    bool
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = &mockLedger{}
		stock = &mockStock{counts: []coupon.NominalCount{{Nominal: 20, Count: 3}}}
		provider = &mockProvider{fetched: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
		files = &mockFiles{files: map[string][]byte{}}
		auth = BasicAuth{}
		creds = BasicAuth{}
		disabled = false
		ghttpServer = ghttp.NewServer()
	})

	JustBeforeEach(func() {
		if disabled {
			server = NewWithMux(db, nil, nil, files, auth, http.NewServeMux())
		} else {
			server = NewWithMux(db, stock, provider, files, auth, http.NewServeMux())
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path, body string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if creds.Username != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("GET /healthz", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("reports ok without credentials", func() {
			resp := do("GET", "/healthz", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decode(resp, &body)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKeyWithValue("coupons", true))
		})
	})

	Describe("authentication", func() {
		When("credentials are configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "admin", Password: "secret"}
				creds = auth
			})

			It("accepts the right credentials", func() {
				Expect(do("GET", "/api/vehicles", "").StatusCode).To(Equal(http.StatusOK))
			})

			It("rejects a request without credentials", func() {
				ghttpServer.AppendHandlers(server.ServeHTTP)
				resp, err := http.Get(ghttpServer.URL() + "/api/vehicles")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			})

			It("rejects wrong credentials", func() {
				creds.Password = "changed"
				Expect(do("GET", "/api/vehicles", "").StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})
	})

	Describe("GET /api/vehicles", func() {
		It("returns an empty array when there are none", func() {
			resp := do("GET", "/api/vehicles", "")
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			body, _ := io.ReadAll(resp.Body)
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("returns the vehicles", func() {
			db.vehicles = []*ledger.Vehicle{{ID: "v1", Plate: "AA 1234 BB", Mileage: 55500}}
			var vehicles []ledger.Vehicle
			decode(do("GET", "/api/vehicles", ""), &vehicles)
			Expect(vehicles).To(HaveLen(1))
			Expect(vehicles[0].Plate).To(Equal("AA 1234 BB"))
		})

		It("fails on a storage error", func() {
			db.listErr = errors.New("disk")
			Expect(do("GET", "/api/vehicles", "").StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /api/fuel", func() {
		It("filters by vehicle", func() {
			db.records = []*ledger.FuelRecord{{ID: "r1", VehicleID: "v1", Liters: decimal.NewFromInt(45)}}
			var records []ledger.FuelRecord
			decode(do("GET", "/api/fuel?vehicle_id=v1", ""), &records)
			Expect(records).To(HaveLen(1))
			Expect(db.vehicleSeen).To(Equal("v1"))
		})
	})

	Describe("coupon purchases", func() {
		It("records a purchase", func() {
			resp := do("POST", "/api/coupons/purchases", `{"date":"2024-03-01","liters":"200","price_per_liter":50.5,"supplier":"OKKO"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(db.purchases).To(HaveLen(1))
			Expect(db.purchases[0].Liters.Equal(decimal.NewFromInt(200))).To(BeTrue())
			Expect(db.purchases[0].Source).To(Equal("api"))
		})

		It("rejects a non-positive volume", func() {
			Expect(do("POST", "/api/coupons/purchases", `{"liters":0}`).StatusCode).To(Equal(http.StatusBadRequest))
			Expect(db.purchases).To(BeEmpty())
		})

		It("rejects a malformed date", func() {
			Expect(do("POST", "/api/coupons/purchases", `{"liters":10,"date":"01.03.2024"}`).StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a malformed body", func() {
			Expect(do("POST", "/api/coupons/purchases", `{`).StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("lists purchases and the balance", func() {
			db.purchases = []*ledger.CouponPurchase{{ID: "p0", Liters: decimal.NewFromInt(100)}}
			db.balance = ledger.CouponBalance{Purchased: decimal.NewFromInt(100), Used: decimal.NewFromInt(20), Balance: decimal.NewFromInt(80)}

			var purchases []ledger.CouponPurchase
			decode(do("GET", "/api/coupons/purchases", ""), &purchases)
			Expect(purchases).To(HaveLen(1))

			var balance ledger.CouponBalance
			decode(do("GET", "/api/coupons/balance", ""), &balance)
			Expect(balance.Balance.Equal(decimal.NewFromInt(80))).To(BeTrue())
		})
	})

	Describe("coupon stock", func() {
		It("returns the counts with the listing time", func() {
			var body stockResponse
			decode(do("GET", "/api/coupons/stock", ""), &body)
			Expect(body.Nominals).To(Equal([]coupon.NominalCount{{Nominal: 20, Count: 3}}))
			Expect(body.FetchedAt).NotTo(BeNil())
			Expect(provider.forced).To(BeZero())
		})

		It("forces a refresh", func() {
			Expect(do("POST", "/api/coupons/refresh", "").StatusCode).To(Equal(http.StatusOK))
			Expect(provider.forced).To(Equal(1))
		})

		It("maps provider timeouts to 504", func() {
			stock.countsErr = errors.Wrap(fuelnet.ErrTimeout, "listing cards")
			Expect(do("GET", "/api/coupons/stock", "").StatusCode).To(Equal(http.StatusGatewayTimeout))
		})

		It("maps authentication failures to 502", func() {
			provider.fetchErr = errors.Mark(errors.New("login rejected"), fuelnet.ErrAuthFailure)
			Expect(do("POST", "/api/coupons/refresh", "").StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("reports the replenishment orders", func() {
			stock.orders = []coupon.Replenishment{{Nominal: 20, Quantity: 10, OrderID: "ord-1"}}
			var orders []coupon.Replenishment
			decode(do("POST", "/api/coupons/replenish", ""), &orders)
			Expect(orders).To(Equal(stock.orders))
		})

		When("the coupon provider is not configured", func() {
			BeforeEach(func() {
				disabled = true
			})

			It("answers 503", func() {
				Expect(do("GET", "/api/coupons/stock", "").StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(do("GET", "/api/provider/balance", "").StatusCode).To(Equal(http.StatusServiceUnavailable))
			})

			It("still serves the ledger", func() {
				Expect(do("GET", "/api/coupons/balance", "").StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("provider account", func() {
		It("returns the balance in major units", func() {
			provider.balance = coupon.Balance{ContractID: "0010043190", Name: "Картки", Amount: decimal.RequireFromString("1234.5")}
			var body map[string]string
			decode(do("GET", "/api/provider/balance", ""), &body)
			Expect(body).To(HaveKeyWithValue("amount", "1234.50"))
			Expect(body).To(HaveKeyWithValue("contract_id", "0010043190"))
		})

		It("returns and keeps a top-up invoice", func() {
			provider.invoice = []byte("%PDF-1.4 invoice")
			resp := do("POST", "/api/provider/topup", `{"amount":"5000"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			body, _ := io.ReadAll(resp.Body)
			Expect(body).To(Equal(provider.invoice))
			Expect(files.files).To(HaveLen(1))
		})

		It("rejects a non-positive amount", func() {
			Expect(do("POST", "/api/provider/topup", `{"amount":-1}`).StatusCode).To(Equal(http.StatusBadRequest))
		})

		Describe("POST /api/provider/ensure-balance", func() {
			When("the balance covers the minimum", func() {
				BeforeEach(func() {
					provider.topUp = coupon.TopUp{Balance: coupon.Balance{ContractID: "0010043190", Amount: decimal.NewFromInt(7000)}}
				})

				It("checks against the default policy without an invoice", func() {
					var body ensureBalanceResponse
					decode(do("POST", "/api/provider/ensure-balance", ""), &body)
					Expect(provider.seenMin.Equal(coupon.DefaultMinBalance)).To(BeTrue())
					Expect(provider.seenAmount.Equal(coupon.DefaultTopUpAmount)).To(BeTrue())
					Expect(body.Needed).To(BeFalse())
					Expect(body.Balance).To(Equal("7000.00"))
					Expect(body.MinBalance).To(Equal("5000.00"))
					Expect(body.Invoice).To(BeEmpty())
					Expect(files.files).To(BeEmpty())
				})

				It("uses the configured policy", func() {
					server.WithTopUpPolicy(TopUpPolicy{MinBalance: decimal.NewFromInt(8000)})
					do("POST", "/api/provider/ensure-balance", "")
					Expect(provider.seenMin.Equal(decimal.NewFromInt(8000))).To(BeTrue())
					Expect(provider.seenAmount.Equal(coupon.DefaultTopUpAmount)).To(BeTrue())
				})
			})

			When("the balance is short", func() {
				BeforeEach(func() {
					provider.topUp = coupon.TopUp{
						Balance: coupon.Balance{ContractID: "0010043190", Amount: decimal.NewFromInt(3000)},
						Needed:  true,
						Amount:  decimal.NewFromInt(15000),
						Invoice: []byte("%PDF-1.4 invoice"),
					}
				})

				It("keeps the invoice and names it in the reply", func() {
					var body ensureBalanceResponse
					decode(do("POST", "/api/provider/ensure-balance", `{"min_balance":"10000","amount":"15000"}`), &body)
					Expect(provider.seenMin.Equal(decimal.NewFromInt(10000))).To(BeTrue())
					Expect(body.Needed).To(BeTrue())
					Expect(body.Amount).To(Equal("15000.00"))
					Expect(body.Invoice).To(HavePrefix("topup_15000.00_"))
					Expect(files.files).To(HaveKeyWithValue(body.Invoice, provider.topUp.Invoice))
				})
			})

			It("rejects a non-positive amount", func() {
				Expect(do("POST", "/api/provider/ensure-balance", `{"amount":"0"}`).StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("maps provider failures to 502", func() {
				provider.ensureErr = errors.New("portal down")
				Expect(do("POST", "/api/provider/ensure-balance", "").StatusCode).To(Equal(http.StatusBadGateway))
			})
		})
	})

	Describe("POST /api/coupons/preorder", func() {
		It("returns the quote in major units", func() {
			provider.quote = fuelnet.Preorder{Nominal: 20, Quantity: 3, UnitPrice: 110000, Reply: []byte(`{"price":110000}`)}
			var body preorderResponse
			decode(do("POST", "/api/coupons/preorder", `{"nominal":20,"quantity":3}`), &body)
			Expect(provider.quoted).To(Equal(fuelnet.OrderRequest{Nominal: 20, Quantity: 3}))
			Expect(body.UnitPrice).To(Equal("1100.00"))
			Expect(body.Total).To(Equal("3300.00"))
			Expect(body.Reply).To(MatchJSON(`{"price":110000}`))
		})

		It("rejects an empty quantity", func() {
			Expect(do("POST", "/api/coupons/preorder", `{"nominal":20}`).StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("maps provider timeouts to 504", func() {
			provider.quoteErr = errors.Wrap(fuelnet.ErrTimeout, "pricing preorder")
			Expect(do("POST", "/api/coupons/preorder", `{"nominal":20,"quantity":1}`).StatusCode).To(Equal(http.StatusGatewayTimeout))
		})
	})

	Describe("GET /api/files/{name}", func() {
		It("serves a stored file with its type", func() {
			files.files["coupon_A-1.pdf"] = []byte("%PDF-1.4")
			resp := do("GET", "/api/files/coupon_A-1.pdf", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
		})

		It("answers 404 for a missing file", func() {
			Expect(do("GET", "/api/files/nope.png", "").StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
