package fuelnet

import (
	"context"
	"math"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Fallbacks for requisites fields the portal leaves blank.
const (
	defaultCouponContractName = "24ТЛБЗ-19582/23"
	defaultCardContractName   = "24ПК-2658/25"
	defaultSaleOffice         = "3902"
	portalZone                = "+02:00"
)

// InvoiceRequest identifies the order an invoice is generated for.
type InvoiceRequest struct {
	ContractID string
	Order      Order
}

type invoiceLine struct {
	Amount   int64  `json:"amount"`
	FuelName string `json:"fuel_name"`
	Price    int64  `json:"price"`
	Volume   int    `json:"volume"`
}

type invoiceBody struct {
	ClientName         string        `json:"client_name"`
	CompanyEDRPOU      string        `json:"company_edrpou"`
	CompanyName        string        `json:"company_name"`
	ContractID         string        `json:"contract_id"`
	ContractName       string        `json:"contract_name"`
	ContractSaleOffice string        `json:"contract_sale_office"`
	IBAN               string        `json:"iban"`
	TotalAmount        int64         `json:"total_amount"`
	ExpiresDate        string        `json:"expires_date,omitempty"`
	OrderDate          string        `json:"order_date,omitempty"`
	OrderID            string        `json:"order_id,omitempty"`
	Orders             []invoiceLine `json:"orders,omitempty"`
}

func (c *Client) baseInvoice(req Requisites, contractID, contractName string) invoiceBody {
	if req.ContractName != "" {
		contractName = req.ContractName
	}
	office := req.ContractSaleOffice
	if office == "" {
		office = defaultSaleOffice
	}
	return invoiceBody{
		ClientName:         req.ClientName,
		CompanyEDRPOU:      req.CompanyEDRPOU,
		CompanyName:        req.CompanyName,
		ContractID:         contractID,
		ContractName:       contractName,
		ContractSaleOffice: office,
		IBAN:               req.IBAN,
	}
}

// portalDate gives a timestamp the zone the portal expects.
func (c *Client) portalDate(s string) string {
	if s == "" {
		return c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if !strings.Contains(s, "+") && !strings.Contains(s, "Z") {
		return s + portalZone
	}
	return s
}

// GetInvoice fetches the payment requisites of an order and asks the portal
// to render its invoice as a PDF.
func (c *Client) GetInvoice(ctx context.Context, token string, req InvoiceRequest) ([]byte, error) {
	requisites, err := c.PaymentRequisites(ctx, token, req.ContractID, req.Order.ID)
	if err != nil {
		return nil, err
	}

	total := requisites.Amount
	price := total
	if req.Order.Quantity > 0 {
		price = int64(math.Round(float64(total) / float64(req.Order.Quantity)))
	}

	body := c.baseInvoice(requisites, req.ContractID, defaultCouponContractName)
	body.TotalAmount = total
	body.ExpiresDate = c.portalDate(requisites.Expires)
	body.OrderDate = c.portalDate(requisites.Date)
	body.OrderID = req.Order.ID
	body.Orders = []invoiceLine{{
		Amount:   total,
		FuelName: DefaultFuelType,
		Price:    price,
		Volume:   req.Order.Nominal * millilitersPerL,
	}}

	return c.getDocument(ctx, "getting invoice", http.MethodPost, "/userdata-service/pdf/invoice/coupons", token, body)
}

// TopUpInvoice asks the portal for an invoice topping up a card contract by
// amount in major currency units.
func (c *Client) TopUpInvoice(ctx context.Context, token, contractID string, amount decimal.Decimal) ([]byte, error) {
	requisites, err := c.PaymentRequisites(ctx, token, contractID, "")
	if err != nil {
		return nil, err
	}

	body := c.baseInvoice(requisites, contractID, defaultCardContractName)
	body.TotalAmount = amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	return c.getDocument(ctx, "getting top-up invoice", http.MethodPost, "/userdata-service/pdf/invoice/contract", token, body)
}

type couponDocCard struct {
	CardNum     string `json:"card_num"`
	Nominal     int    `json:"nominal"`
	ProductName string `json:"product_name"`
	ProductID   string `json:"product_id"`
	ExpDate     string `json:"exp_date"`
	ContractID  string `json:"contract_id"`
	QRString    string `json:"qr_string"`
}

type couponDocBody struct {
	Cards []couponDocCard `json:"cards"`
}

// GetCouponDocument asks the portal for the printable PDF of one coupon.
func (c *Client) GetCouponDocument(ctx context.Context, token, contractID string, coupon Coupon) ([]byte, error) {
	nominal := coupon.Nominal
	if nominal <= 100 {
		nominal *= millilitersPerL
	}
	fuel := coupon.FuelType
	if fuel == "" {
		fuel = DefaultFuelType
	}
	body := couponDocBody{Cards: []couponDocCard{{
		CardNum:     coupon.Number,
		Nominal:     nominal,
		ProductName: fuel,
		ProductID:   coupon.ProductID,
		ExpDate:     coupon.ValidTo,
		ContractID:  contractID,
		QRString:    coupon.QR,
	}}}
	return c.getDocument(ctx, "getting coupon document", http.MethodPost, "/proxy-service/pdf/coupons", token, body)
}

// MajorUnits converts a minor-unit amount to major units.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

