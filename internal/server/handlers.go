package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/ledger"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// providerError maps a fuel network failure to a gateway status.
func providerError(w http.ResponseWriter, op string, err error) {
	slog.Error("Provider call failed", "op", op, "error", err)
	switch {
	case errors.Is(err, fuelnet.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "provider timed out")
	case errors.Is(err, fuelnet.ErrAuthFailure):
		writeError(w, http.StatusBadGateway, "provider rejected the credentials")
	default:
		writeError(w, http.StatusBadGateway, "provider unavailable")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"coupons": s.stock != nil,
	})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.ledger.ListVehicles()
	if err != nil {
		slog.Error("Error listing vehicles", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if vehicles == nil {
		vehicles = []*ledger.Vehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleListFuel(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.ListFuelRecords(r.URL.Query().Get("vehicle_id"))
	if err != nil {
		slog.Error("Error listing fuel records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*ledger.FuelRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCouponBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.GetCouponBalance()
	if err != nil {
		slog.Error("Error computing coupon balance", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := s.ledger.ListCouponPurchases()
	if err != nil {
		slog.Error("Error listing coupon purchases", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if purchases == nil {
		purchases = []*ledger.CouponPurchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (s *Server) handleAddPurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date          string          `json:"date"`
		Liters        decimal.Decimal `json:"liters"`
		PricePerLiter decimal.Decimal `json:"price_per_liter"`
		Supplier      string          `json:"supplier"`
		Note          string          `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Liters.IsPositive() {
		writeError(w, http.StatusBadRequest, "liters must be positive")
		return
	}
	if req.Date != "" {
		if _, err := time.Parse("2006-01-02", req.Date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	purchase, err := s.ledger.AppendCouponPurchase(&ledger.CouponPurchase{
		Date:          req.Date,
		Liters:        req.Liters,
		PricePerLiter: req.PricePerLiter,
		Supplier:      req.Supplier,
		Note:          req.Note,
		Source:        "api",
	})
	if err != nil {
		slog.Error("Error saving coupon purchase", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("Coupon purchase recorded", "id", purchase.ID, "liters", purchase.Liters.String())
	writeJSON(w, http.StatusCreated, purchase)
}

type stockResponse struct {
	Nominals  []coupon.NominalCount `json:"nominals"`
	FetchedAt *time.Time            `json:"fetched_at,omitempty"`
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	counts, err := s.stock.AvailableNominals(r.Context())
	if err != nil {
		providerError(w, "listing stock", err)
		return
	}
	if counts == nil {
		counts = []coupon.NominalCount{}
	}
	resp := stockResponse{Nominals: counts}
	if t := s.provider.LastFetch(); !t.IsZero() {
		resp.FetchedAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.provider.FetchActiveCoupons(r.Context(), true); err != nil {
		providerError(w, "refreshing stock", err)
		return
	}
	s.handleStock(w, r)
}

func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	orders, err := s.stock.Replenish(r.Context())
	if err != nil {
		providerError(w, "replenishing", err)
		return
	}
	if orders == nil {
		orders = []coupon.Replenishment{}
	}
	writeJSON(w, http.StatusOK, orders)
}

type preorderResponse struct {
	Nominal   int             `json:"nominal"`
	Quantity  int             `json:"quantity"`
	UnitPrice string          `json:"unit_price"`
	Total     string          `json:"total"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

func (s *Server) handlePreorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nominal  int `json:"nominal"`
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nominal <= 0 || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "nominal and quantity must be positive")
		return
	}

	quote, err := s.provider.Preorder(r.Context(), fuelnet.OrderRequest{Nominal: req.Nominal, Quantity: req.Quantity})
	if err != nil {
		providerError(w, "pricing preorder", err)
		return
	}
	writeJSON(w, http.StatusOK, preorderResponse{
		Nominal:   quote.Nominal,
		Quantity:  quote.Quantity,
		UnitPrice: fuelnet.MajorUnits(quote.UnitPrice).StringFixed(2),
		Total:     fuelnet.MajorUnits(quote.Total()).StringFixed(2),
		Reply:     quote.Reply,
	})
}

func (s *Server) handleProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.provider.ContractBalance(r.Context())
	if err != nil {
		providerError(w, "getting balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"contract_id": balance.ContractID,
		"name":        balance.Name,
		"amount":      balance.Amount.StringFixed(2),
	})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	pdf, err := s.provider.TopUpInvoice(r.Context(), req.Amount)
	if err != nil {
		providerError(w, "getting top-up invoice", err)
		return
	}

	name := fmt.Sprintf("topup_%s_%d.pdf", req.Amount.StringFixed(2), time.Now().Unix())
	if s.files != nil {
		if _, err := s.files.Save(name, pdf); err != nil {
			slog.Warn("Failed to keep top-up invoice", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(pdf)
}

type ensureBalanceResponse struct {
	ContractID string `json:"contract_id"`
	Balance    string `json:"balance"`
	MinBalance string `json:"min_balance"`
	Needed     bool   `json:"top_up_needed"`
	Amount     string `json:"top_up_amount,omitempty"`
	Invoice    string `json:"invoice,omitempty"`
}

// handleEnsureBalance checks the card contract against the minimum and,
// when it is short, keeps the top-up invoice under the files route. An
// empty body uses the server's policy.
func (s *Server) handleEnsureBalance(w http.ResponseWriter, r *http.Request) {
	req := struct {
		MinBalance decimal.Decimal `json:"min_balance"`
		Amount     decimal.Decimal `json:"amount"`
	}{MinBalance: s.topUp.MinBalance, Amount: s.topUp.Amount}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MinBalance.IsNegative() || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	topUp, err := s.provider.EnsureMinBalance(r.Context(), req.MinBalance, req.Amount)
	if err != nil {
		providerError(w, "ensuring balance", err)
		return
	}

	resp := ensureBalanceResponse{
		ContractID: topUp.Balance.ContractID,
		Balance:    topUp.Balance.Amount.StringFixed(2),
		MinBalance: req.MinBalance.StringFixed(2),
		Needed:     topUp.Needed,
	}
	if topUp.Needed {
		resp.Amount = topUp.Amount.StringFixed(2)
		name := fmt.Sprintf("topup_%s_%d.pdf", topUp.Amount.StringFixed(2), time.Now().Unix())
		if s.files != nil && len(topUp.Invoice) > 0 {
			if _, err := s.files.Save(name, topUp.Invoice); err != nil {
				slog.Warn("Failed to keep top-up invoice", "error", err)
			} else {
				resp.Invoice = name
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.files == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	data, err := s.files.Get(name)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		slog.Error("Error reading file", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
