// Package fuelnet is the HTTP adapter for the fuel network's self-service
// portal API. It holds no state besides its configuration: callers pass
// the bearer token on every call and own retries and caching.
package fuelnet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Defaults matching the portal's web client.
const (
	DefaultBaseURL    = "https://ssp-online-back.okko.ua"
	DefaultOrigin     = "https://ssp-online.okko.ua"
	DefaultAppVersion = "1770841844620"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultTimeout    = 15 * time.Second
	DefaultDocTimeout = 30 * time.Second
	minDocumentSize   = 100
	pdfSignature      = "%PDF-"
	jsonAccept        = "application/json, text/plain, */*"
	documentAccept    = "application/pdf, application/octet-stream, */*"
)

// Config configures a Client. Zero values fall back to the defaults above.
type Config struct {
	BaseURL    string
	Login      string
	Password   string
	Timeout    time.Duration
	DocTimeout time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the portal API.
type Client struct {
	baseURL    string
	origin     string
	login      string
	password   string
	timeout    time.Duration
	docTimeout time.Duration
	http       *http.Client
	now        func() time.Time
}

// New creates a Client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		origin:     DefaultOrigin,
		login:      cfg.Login,
		password:   cfg.Password,
		timeout:    cfg.Timeout,
		docTimeout: cfg.DocTimeout,
		http:       cfg.HTTPClient,
		now:        cfg.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.docTimeout <= 0 {
		c.docTimeout = DefaultDocTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Configured reports whether credentials were supplied.
func (c *Client) Configured() bool {
	return c.login != "" && c.password != ""
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs one request. A nil error means a response was received; its
// status is not checked here.
func (c *Client) do(ctx context.Context, method, path, token string, payload any, document bool) (*response, error) {
	timeout, accept := c.timeout, jsonAccept
	if document {
		timeout, accept = c.docTimeout, documentAccept
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.origin+"/")
	req.Header.Set("X-App-Version", DefaultAppVersion)
	req.Header.Set("X-Rt", strconv.FormatInt(c.now().UnixMilli(), 10))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, errors.Wrapf(err, "calling %s %s", method, path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, errors.Wrap(err, "reading response"))
	}

	slog.Debug("Provider call", "method", method, "path", path, "status", resp.StatusCode, "size", len(data))
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}

// getJSON performs a JSON call and returns the body of a 2xx reply.
func (c *Client) getJSON(ctx context.Context, op, method, path, token string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, method, path, token, payload, false)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.status < 200 || resp.status > 299 {
		slog.Warn("Provider call failed", "op", op, "status", resp.status, "body", preview(resp.body))
		return nil, statusError(op, resp.status, resp.body)
	}
	return resp.body, nil
}

// getDocument performs a binary call and returns the body only if it is
// a PDF.
func (c *Client) getDocument(ctx context.Context, op, method, path, token string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, method, path, token, payload, true)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.status != http.StatusOK {
		slog.Warn("Provider document call failed", "op", op, "status", resp.status, "body", preview(resp.body))
		return nil, statusError(op, resp.status, resp.body)
	}
	if !IsPDF(resp.body) {
		slog.Warn("Provider returned a non-PDF document", "op", op, "size", len(resp.body), "body", preview(resp.body))
		return nil, errors.Mark(errors.Newf("%s: %d bytes without PDF signature", op, len(resp.body)), ErrNotDocument)
	}
	return resp.body, nil
}

// IsPDF reports whether data is large enough and starts with the PDF
// signature.
func IsPDF(data []byte) bool {
	return len(data) > minDocumentSize && bytes.HasPrefix(data, []byte(pdfSignature))
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login exchanges the configured credentials for a bearer token.
func (c *Client) Login(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", errors.Mark(errors.New("no credentials configured"), ErrAuthFailure)
	}

	resp, err := c.do(ctx, http.MethodPost, "/proxy-service/login", "", loginRequest{Login: c.login, Password: c.password}, false)
	if err != nil {
		return "", errors.Wrap(err, "logging in")
	}
	if resp.status != http.StatusOK && resp.status != http.StatusCreated {
		slog.Error("Provider login rejected", "status", resp.status, "body", preview(resp.body))
		return "", errors.Mark(statusError("logging in", resp.status, resp.body), ErrAuthFailure)
	}

	token := decodeToken(resp.body, resp.header)
	if token == "" {
		slog.Error("Provider login reply has no token", "status", resp.status, "body", preview(resp.body))
		return "", errors.Mark(errors.New("login reply has no token"), ErrAuthFailure)
	}
	slog.Info("Provider login succeeded", "token", MaskToken(token))
	return token, nil
}

// ListContracts returns the account's contracts by name.
func (c *Client) ListContracts(ctx context.Context, token string) ([]Contract, error) {
	body, err := c.getJSON(ctx, "listing contracts", http.MethodGet, "/userdata-service/contracts/name", token, nil)
	if err != nil {
		return nil, err
	}
	return decodeContracts(body)
}

// ListCards returns the active coupons of a contract.
func (c *Client) ListCards(ctx context.Context, token, contractID string, page Page) ([]Coupon, error) {
	q := url.Values{}
	q.Set("contract_id", contractID)
	q.Set("offset", strconv.Itoa(page.Offset))
	q.Set("size", strconv.Itoa(page.Size))
	q.Set("card_status", StatusActive)

	body, err := c.getJSON(ctx, "listing cards", http.MethodGet, "/proxy-service/cards?"+q.Encode(), token, nil)
	if err != nil {
		return nil, err
	}
	return decodeCards(body)
}

// Order line constants for a three-month diesel coupon.
const (
	orderDuration   = "M3"
	orderMerchGroup = 92
	orderProductID  = 9018
	millilitersPerL = 1000
)

type orderItem struct {
	Amount       int    `json:"amount"`
	Duration     string `json:"duration"`
	GroupMerchID int    `json:"group_merch_id"`
	Nominal      int    `json:"nominal"`
	ProductID    int    `json:"product_id"`
}

type orderBody struct {
	ContractID string      `json:"contract_id"`
	OrderItems []orderItem `json:"order_items"`
}

// CreateOrder orders req.Quantity coupons of req.Nominal liters. The
// provider takes one line item per coupon.
func (c *Client) CreateOrder(ctx context.Context, token, contractID string, req OrderRequest) (Order, error) {
	if req.Nominal <= 0 || req.Quantity <= 0 {
		return Order{}, errors.Newf("invalid order %d x %d l", req.Quantity, req.Nominal)
	}

	items := make([]orderItem, req.Quantity)
	for i := range items {
		items[i] = orderItem{
			Amount:       req.Nominal * millilitersPerL,
			Duration:     orderDuration,
			GroupMerchID: orderMerchGroup,
			Nominal:      req.Nominal * millilitersPerL,
			ProductID:    orderProductID,
		}
	}

	body, err := c.getJSON(ctx, "creating order", http.MethodPost, "/proxy-service/contract/coupon", token, orderBody{ContractID: contractID, OrderItems: items})
	if err != nil {
		return Order{}, err
	}
	id, err := decodeOrderID(body)
	if err != nil {
		return Order{}, err
	}
	slog.Info("Provider order created", "order_id", id, "nominal", req.Nominal, "quantity", req.Quantity)
	return Order{ID: id, Nominal: req.Nominal, Quantity: req.Quantity}, nil
}

type preorderBody struct {
	Amount       int    `json:"amount"`
	ContractID   string `json:"contract_id"`
	Duration     string `json:"duration"`
	GroupMerchID int    `json:"group_merch_id"`
	ProductID    int    `json:"product_id"`
}

// Preorder asks the provider to price req without placing an order. The
// provider quotes one coupon; the quantity only scales the total.
func (c *Client) Preorder(ctx context.Context, token, contractID string, req OrderRequest) (Preorder, error) {
	if req.Nominal <= 0 || req.Quantity <= 0 {
		return Preorder{}, errors.Newf("invalid preorder %d x %d l", req.Quantity, req.Nominal)
	}

	payload := preorderBody{
		Amount:       req.Nominal * millilitersPerL,
		ContractID:   contractID,
		Duration:     orderDuration,
		GroupMerchID: orderMerchGroup,
		ProductID:    orderProductID,
	}
	body, err := c.getJSON(ctx, "pricing preorder", http.MethodPost, "/proxy-service/contract/preorder/coupon", token, payload)
	if err != nil {
		return Preorder{}, err
	}
	quote, err := decodePreorder(body)
	if err != nil {
		return Preorder{}, err
	}
	quote.Nominal = req.Nominal
	quote.Quantity = req.Quantity
	slog.Info("Provider preorder priced", "nominal", req.Nominal, "quantity", req.Quantity, "unit_price", quote.UnitPrice)
	return quote, nil
}

// PaymentRequisites returns payment details for a contract, optionally
// scoped to an order.
func (c *Client) PaymentRequisites(ctx context.Context, token, contractID, orderID string) (Requisites, error) {
	q := url.Values{}
	q.Set("contract_id", contractID)
	if orderID != "" {
		q.Set("order_id", orderID)
	}
	body, err := c.getJSON(ctx, "getting payment requisites", http.MethodGet, "/proxy-service/payment_requisites?"+q.Encode(), token, nil)
	if err != nil {
		return Requisites{}, err
	}
	return decodeRequisites(body)
}

// ListBalances returns the account's contracts with balances in minor units.
func (c *Client) ListBalances(ctx context.Context, token string) ([]Contract, error) {
	body, err := c.getJSON(ctx, "listing balances", http.MethodGet, "/proxy-service/contracts", token, nil)
	if err != nil {
		return nil, err
	}
	return decodeContracts(body)
}

// GetContractBalance returns one contract with its balance in minor units.
func (c *Client) GetContractBalance(ctx context.Context, token, contractID string) (Contract, error) {
	contracts, err := c.ListBalances(ctx, token)
	if err != nil {
		return Contract{}, err
	}
	for _, ct := range contracts {
		if ct.ID == contractID {
			return ct, nil
		}
	}
	return Contract{}, errors.Wrapf(ErrContractNotFound, "contract %s", contractID)
}

// MaskToken keeps only the last four characters of a secret.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-4:]
}
