// Package coupon keeps the provider's coupon stock and hands out coupons
// for fuel purchases.
package coupon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/cache"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultTokenTTL       = 25 * time.Minute
	DefaultCacheTTL       = 5 * time.Minute
	DefaultCouponContract = "0045004860"
	DefaultCardContract   = "0010043190"
	maxListingPages       = 5
)

// Card contract top-up defaults in major units.
var (
	DefaultMinBalance  = decimal.NewFromInt(5000)
	DefaultTopUpAmount = decimal.NewFromInt(20000)
)

// contractKeywords identify the coupon contract by name.
var contractKeywords = []string{"талон", "купон", "coupon"}

// Provider is the portal API the inventory drives.
type Provider interface {
	Login(ctx context.Context) (string, error)
	ListContracts(ctx context.Context, token string) ([]fuelnet.Contract, error)
	ListCards(ctx context.Context, token, contractID string, page fuelnet.Page) ([]fuelnet.Coupon, error)
	CreateOrder(ctx context.Context, token, contractID string, req fuelnet.OrderRequest) (fuelnet.Order, error)
	Preorder(ctx context.Context, token, contractID string, req fuelnet.OrderRequest) (fuelnet.Preorder, error)
	GetInvoice(ctx context.Context, token string, req fuelnet.InvoiceRequest) ([]byte, error)
	TopUpInvoice(ctx context.Context, token, contractID string, amount decimal.Decimal) ([]byte, error)
	GetCouponDocument(ctx context.Context, token, contractID string, c fuelnet.Coupon) ([]byte, error)
	GetContractBalance(ctx context.Context, token, contractID string) (fuelnet.Contract, error)
}

// Config configures an Inventory.
type Config struct {
	TokenTTL         time.Duration
	CacheTTL         time.Duration
	FallbackContract string
	CardContract     string
	Retry            RetryPolicy
	Now              func() time.Time
}

// Balance is a contract balance in major currency units.
type Balance struct {
	ContractID string
	Name       string
	Amount     decimal.Decimal
}

// TopUp is the outcome of a minimum balance check. Invoice is only set
// when the balance was below the minimum.
type TopUp struct {
	Balance Balance
	Needed  bool
	Amount  decimal.Decimal
	Invoice []byte
}

// Inventory owns the bearer token and the coupon listing, each with its
// own expiry.
type Inventory struct {
	provider     Provider
	token        *cache.Value[string]
	listing      *cache.Value[[]fuelnet.Coupon]
	retry        RetryPolicy
	fallback     string
	cardContract string

	contractMu sync.Mutex
	contractID string
}

// NewInventory creates an Inventory over provider.
func NewInventory(provider Provider, cfg Config) *Inventory {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FallbackContract == "" {
		cfg.FallbackContract = DefaultCouponContract
	}
	if cfg.CardContract == "" {
		cfg.CardContract = DefaultCardContract
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry = AuthRetry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Inventory{
		provider:     provider,
		token:        cache.NewValue[string](cfg.TokenTTL, cfg.Now),
		listing:      cache.NewValue[[]fuelnet.Coupon](cfg.CacheTTL, cfg.Now),
		retry:        cfg.Retry,
		fallback:     cfg.FallbackContract,
		cardContract: cfg.CardContract,
	}
}

// Token returns a live bearer token, logging in when the cached one is
// missing or too old. Concurrent callers share one login.
func (inv *Inventory) Token(ctx context.Context) (string, error) {
	t, err := inv.token.GetOrRefresh(ctx, inv.provider.Login)
	if err != nil {
		return "", errors.Wrap(err, "acquiring token")
	}
	return t, nil
}

// authorized runs call with a live token under the retry policy. Before
// a retry the rejected token is expired, unless another caller already
// replaced it, and the current token is fetched. A call still
// unauthorized after the retries is an auth failure.
func authorized[T any](ctx context.Context, inv *Inventory, op string, call func(ctx context.Context, token string) (T, error)) (T, error) {
	var result T
	token, err := inv.Token(ctx)
	if err != nil {
		return result, err
	}

	err = inv.retry.Run(ctx,
		func(ctx context.Context) error {
			var callErr error
			result, callErr = call(ctx, token)
			return callErr
		},
		func(ctx context.Context) error {
			rejected := token
			if inv.token.InvalidateIf(func(t string) bool { return t == rejected }) {
				slog.Info("Provider token rejected, logging in again", "op", op)
			}
			var loginErr error
			token, loginErr = inv.Token(ctx)
			return loginErr
		},
	)
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) && fuelnet.IsUnauthorized(err) {
			err = errors.Mark(err, fuelnet.ErrAuthFailure)
		}
		var zero T
		return zero, errors.Wrap(err, op)
	}
	return result, nil
}

// ContractID returns the coupon contract, discovering it by name on first
// use. When discovery fails the fallback id is used for this call and
// discovery is tried again next time.
func (inv *Inventory) ContractID(ctx context.Context, token string) string {
	inv.contractMu.Lock()
	defer inv.contractMu.Unlock()
	if inv.contractID != "" {
		return inv.contractID
	}

	contracts, err := inv.provider.ListContracts(ctx, token)
	if err != nil {
		slog.Warn("Contract discovery failed, using fallback", "contract_id", inv.fallback, "error", err)
		return inv.fallback
	}
	for _, c := range contracts {
		name := strings.ToLower(c.Name)
		for _, kw := range contractKeywords {
			if strings.Contains(name, kw) && c.ID != "" {
				slog.Info("Coupon contract discovered", "contract_id", c.ID, "name", c.Name)
				inv.contractID = c.ID
				return c.ID
			}
		}
	}
	for _, c := range contracts {
		if c.ID == inv.fallback {
			inv.contractID = inv.fallback
			return inv.fallback
		}
	}
	slog.Warn("No coupon contract in listing, using fallback", "contract_id", inv.fallback, "contracts", len(contracts))
	return inv.fallback
}

// FetchActiveCoupons returns the active coupon listing. A fresh, non-empty
// cached listing is returned without any provider call. When a refresh
// fails the last known listing is returned: an auth failure or a transport
// error is returned alongside it, while a bad status or an unreadable
// reply is only logged.
func (inv *Inventory) FetchActiveCoupons(ctx context.Context, force bool) ([]fuelnet.Coupon, error) {
	if !force {
		if coupons, ok := inv.listing.Get(); ok && len(coupons) > 0 {
			return coupons, nil
		}
	}

	coupons, err := inv.listing.Refresh(ctx, inv.fetchListing)
	if err == nil {
		slog.Info("Coupon listing refreshed", "count", len(coupons))
		return coupons, nil
	}

	stale, _ := inv.listing.Peek()
	var statusErr *fuelnet.StatusError
	switch {
	case errors.Is(err, fuelnet.ErrAuthFailure):
		slog.Error("Coupon listing refresh failed to authenticate", "stale", len(stale), "error", err)
		return stale, err
	case errors.As(err, &statusErr), errors.Is(err, fuelnet.ErrUnexpectedShape):
		slog.Warn("Coupon listing refresh failed, keeping last listing", "stale", len(stale), "error", err)
		return stale, nil
	default:
		slog.Error("Coupon listing refresh failed", "stale", len(stale), "error", err)
		return stale, err
	}
}

func (inv *Inventory) fetchListing(ctx context.Context) ([]fuelnet.Coupon, error) {
	return authorized(ctx, inv, "listing coupons", func(ctx context.Context, token string) ([]fuelnet.Coupon, error) {
		contractID := inv.ContractID(ctx, token)
		var all []fuelnet.Coupon
		page := fuelnet.DefaultPage
		for i := 0; i < maxListingPages; i++ {
			coupons, err := inv.provider.ListCards(ctx, token, contractID, page)
			if err != nil {
				return nil, err
			}
			all = append(all, coupons...)
			if len(coupons) < page.Size {
				break
			}
			page.Offset += page.Size
		}
		return all, nil
	})
}

// Cached returns the last known listing regardless of age.
func (inv *Inventory) Cached() []fuelnet.Coupon {
	coupons, _ := inv.listing.Peek()
	return coupons
}

// Invalidate makes the next FetchActiveCoupons go to the provider.
func (inv *Inventory) Invalidate() {
	inv.listing.Invalidate()
}

// LastFetch returns when the listing was last refreshed.
func (inv *Inventory) LastFetch() time.Time {
	return inv.listing.FetchedAt()
}

// CreateOrder places a coupon order on the coupon contract.
func (inv *Inventory) CreateOrder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Order, error) {
	return authorized(ctx, inv, "creating order", func(ctx context.Context, token string) (fuelnet.Order, error) {
		return inv.provider.CreateOrder(ctx, token, inv.ContractID(ctx, token), req)
	})
}

// Preorder prices an order on the coupon contract without placing it.
func (inv *Inventory) Preorder(ctx context.Context, req fuelnet.OrderRequest) (fuelnet.Preorder, error) {
	return authorized(ctx, inv, "pricing preorder", func(ctx context.Context, token string) (fuelnet.Preorder, error) {
		return inv.provider.Preorder(ctx, token, inv.ContractID(ctx, token), req)
	})
}

// Invoice fetches the invoice PDF of an order.
func (inv *Inventory) Invoice(ctx context.Context, order fuelnet.Order) ([]byte, error) {
	return authorized(ctx, inv, "getting invoice", func(ctx context.Context, token string) ([]byte, error) {
		return inv.provider.GetInvoice(ctx, token, fuelnet.InvoiceRequest{ContractID: inv.ContractID(ctx, token), Order: order})
	})
}

// TopUpInvoice fetches an invoice topping up the card contract.
func (inv *Inventory) TopUpInvoice(ctx context.Context, amount decimal.Decimal) ([]byte, error) {
	return authorized(ctx, inv, "getting top-up invoice", func(ctx context.Context, token string) ([]byte, error) {
		return inv.provider.TopUpInvoice(ctx, token, inv.cardContract, amount)
	})
}

// CouponDocument fetches the provider's printable PDF of a coupon.
func (inv *Inventory) CouponDocument(ctx context.Context, c fuelnet.Coupon) ([]byte, error) {
	return authorized(ctx, inv, "getting coupon document", func(ctx context.Context, token string) ([]byte, error) {
		return inv.provider.GetCouponDocument(ctx, token, inv.ContractID(ctx, token), c)
	})
}

// ContractBalance returns the card contract balance in major units.
func (inv *Inventory) ContractBalance(ctx context.Context) (Balance, error) {
	contract, err := authorized(ctx, inv, "getting contract balance", func(ctx context.Context, token string) (fuelnet.Contract, error) {
		return inv.provider.GetContractBalance(ctx, token, inv.cardContract)
	})
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		ContractID: contract.ID,
		Name:       contract.Name,
		Amount:     fuelnet.MajorUnits(contract.Balance),
	}, nil
}

// EnsureMinBalance checks the card contract balance and fetches a top-up
// invoice for amount when the balance is below min.
func (inv *Inventory) EnsureMinBalance(ctx context.Context, min, amount decimal.Decimal) (TopUp, error) {
	balance, err := inv.ContractBalance(ctx)
	if err != nil {
		return TopUp{}, err
	}
	if balance.Amount.GreaterThanOrEqual(min) {
		slog.Info("Card contract balance is sufficient", "balance", balance.Amount.StringFixed(2), "min", min.StringFixed(2))
		return TopUp{Balance: balance}, nil
	}

	slog.Warn("Card contract balance is low, issuing top-up invoice",
		"balance", balance.Amount.StringFixed(2), "min", min.StringFixed(2), "amount", amount.StringFixed(2))
	invoice, err := inv.TopUpInvoice(ctx, amount)
	if err != nil {
		return TopUp{Balance: balance, Needed: true, Amount: amount}, err
	}
	return TopUp{Balance: balance, Needed: true, Amount: amount, Invoice: invoice}, nil
}
