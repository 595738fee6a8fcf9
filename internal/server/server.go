// Package server exposes the fleet ledger and coupon stock over HTTP for
// dispatchers.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/ledger"
)

// Ledger is the record keeping the API reads and writes
type Ledger interface {
	ListVehicles() ([]*ledger.Vehicle, error)
	ListFuelRecords(vehicleID string) ([]*ledger.FuelRecord, error)
	AppendCouponPurchase(p *ledger.CouponPurchase) (*ledger.CouponPurchase, error)
	ListCouponPurchases() ([]*ledger.CouponPurchase, error)
	GetCouponBalance() (ledger.CouponBalance, error)
}

// Stock is the coupon engine
type Stock interface {
	AvailableNominals(ctx context.Context) ([]coupon.NominalCount, error)
	Replenish(ctx context.Context) ([]coupon.Replenishment, error)
}

// Provider is the fuel network account
type Provider interface {
	FetchActiveCoupons(ctx context.Context, force bool) ([]fuelnet.Coupon, error)
	LastFetch() time.Time
	ContractBalance(ctx context.Context) (coupon.Balance, error)
	TopUpInvoice(ctx context.Context, amount decimal.Decimal) ([]byte, error)
	EnsureMinBalance(ctx context.Context, min, amount decimal.Decimal) (coupon.TopUp, error)
	Preorder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Preorder, error)
}

// Files reads and writes stored blobs
type Files interface {
	Save(filename string, data []byte) (string, error)
	Get(name string) ([]byte, error)
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// TopUpPolicy is the card contract minimum and the top-up amount used when
// a balance check names neither.
type TopUpPolicy struct {
	MinBalance decimal.Decimal
	Amount     decimal.Decimal
}

// Server handles the admin API
type Server struct {
	ledger    Ledger
	stock     Stock
	provider  Provider
	files     Files
	basicAuth BasicAuth
	topUp     TopUpPolicy
	mux       *http.ServeMux
}

// New creates a Server. stock and provider may be nil when the coupon
// path is disabled.
func New(l Ledger, stock Stock, provider Provider, files Files, auth BasicAuth) *Server {
	return NewWithMux(l, stock, provider, files, auth, http.NewServeMux())
}

// NewWithMux creates a Server with a custom mux for testing
func NewWithMux(l Ledger, stock Stock, provider Provider, files Files, auth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		ledger:    l,
		stock:     stock,
		provider:  provider,
		files:     files,
		basicAuth: auth,
		topUp:     TopUpPolicy{MinBalance: coupon.DefaultMinBalance, Amount: coupon.DefaultTopUpAmount},
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// WithTopUpPolicy replaces the default balance check policy. Zero fields
// keep their defaults.
func (s *Server) WithTopUpPolicy(p TopUpPolicy) *Server {
	if p.MinBalance.IsPositive() {
		s.topUp.MinBalance = p.MinBalance
	}
	if p.Amount.IsPositive() {
		s.topUp.Amount = p.Amount
	}
	return s
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Fleet Fuel"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// requireCoupons answers 503 while the coupon path is disabled.
func (s *Server) requireCoupons(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.stock == nil || s.provider == nil {
			writeError(w, http.StatusServiceUnavailable, "coupon provider is not configured")
			return
		}
		next(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/vehicles", s.requireAuth(s.handleListVehicles))
	s.mux.HandleFunc("GET /api/fuel", s.requireAuth(s.handleListFuel))

	s.mux.HandleFunc("GET /api/coupons/balance", s.requireAuth(s.handleCouponBalance))
	s.mux.HandleFunc("GET /api/coupons/purchases", s.requireAuth(s.handleListPurchases))
	s.mux.HandleFunc("POST /api/coupons/purchases", s.requireAuth(s.handleAddPurchase))
	s.mux.HandleFunc("GET /api/coupons/stock", s.requireCoupons(s.handleStock))
	s.mux.HandleFunc("POST /api/coupons/refresh", s.requireCoupons(s.handleRefresh))
	s.mux.HandleFunc("POST /api/coupons/replenish", s.requireCoupons(s.handleReplenish))
	s.mux.HandleFunc("POST /api/coupons/preorder", s.requireCoupons(s.handlePreorder))

	s.mux.HandleFunc("GET /api/provider/balance", s.requireCoupons(s.handleProviderBalance))
	s.mux.HandleFunc("POST /api/provider/topup", s.requireCoupons(s.handleTopUp))
	s.mux.HandleFunc("POST /api/provider/ensure-balance", s.requireCoupons(s.handleEnsureBalance))

	s.mux.HandleFunc("GET /api/files/{name}", s.requireAuth(s.handleGetFile))
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving http")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	slog.Info("Stopping server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
