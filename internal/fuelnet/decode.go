package fuelnet

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// rawCard lists every field alias seen in card listings.
type rawCard struct {
	CardNum      flexString `json:"card_num"`
	CardNumCamel flexString `json:"cardNum"`
	Number       flexString `json:"number"`
	CouponNumber flexString `json:"couponNumber"`

	Nominal flexNumber `json:"nominal"`
	Liters  flexNumber `json:"liters"`
	Volume  flexNumber `json:"volume"`
	Amount  flexNumber `json:"amount"`
	Balance flexNumber `json:"balance"`

	ProductName      flexString `json:"product_name"`
	ProductNameCamel flexString `json:"productName"`
	ProductID        flexString `json:"product_id"`
	ProductIDCamel   flexString `json:"productId"`

	ActivateDate      flexString `json:"activate_date"`
	ActivateDateCamel flexString `json:"activateDate"`
	ValidFrom         flexString `json:"validFrom"`

	ExpDate      flexString `json:"exp_date"`
	ExpDateCamel flexString `json:"expDate"`
	ValidTo      flexString `json:"validTo"`
	ExpireDate   flexString `json:"expire_date"`

	QRString flexString `json:"qr_string"`
	QR       flexString `json:"qr"`
	QRCode   flexString `json:"qrCode"`
	Barcode  flexString `json:"barcode"`

	CardStatus      flexString `json:"card_status"`
	CardStatusCamel flexString `json:"cardStatus"`
	Status          flexString `json:"status"`
}

func (r rawCard) coupon() Coupon {
	fuel := firstString(r.ProductName, r.ProductNameCamel)
	if fuel == "" {
		fuel = DefaultFuelType
	}
	status := firstString(r.CardStatus, r.CardStatusCamel, r.Status)
	if status == "" {
		status = StatusActive
	}
	return Coupon{
		Number:    firstString(r.CardNum, r.CardNumCamel, r.Number, r.CouponNumber),
		Nominal:   nominalLiters(firstNumber(r.Nominal, r.Liters, r.Volume, r.Amount, r.Balance)),
		FuelType:  fuel,
		ProductID: firstString(r.ProductID, r.ProductIDCamel),
		ValidFrom: firstString(r.ActivateDate, r.ActivateDateCamel, r.ValidFrom),
		ValidTo:   firstString(r.ExpDate, r.ExpDateCamel, r.ValidTo, r.ExpireDate),
		QR:        firstString(r.QRString, r.QR, r.QRCode, r.Barcode),
		Status:    status,
	}
}

// cardListKeys are the wrapper fields a card list may sit under, in the
// order they are tried.
var cardListKeys = []string{"cards", "content", "items"}

// decodeCards accepts a bare array or an object wrapping the array under
// one of cardListKeys. Records without a number or a positive nominal are
// dropped.
func decodeCards(body []byte) ([]Coupon, error) {
	list, err := unwrapList(body, cardListKeys)
	if err != nil {
		return nil, errors.Wrap(err, "decoding cards")
	}

	var raw []rawCard
	if err := json.Unmarshal(list, &raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding cards"), ErrUnexpectedShape)
	}

	coupons := make([]Coupon, 0, len(raw))
	for _, r := range raw {
		c := r.coupon()
		if c.Number == "" || c.Nominal <= 0 {
			continue
		}
		coupons = append(coupons, c)
	}
	return coupons, nil
}

type rawContract struct {
	ContractID      flexString `json:"contract_id"`
	ContractIDCamel flexString `json:"contractId"`
	ID              flexString `json:"id"`

	Name         flexString `json:"name"`
	ContractName flexString `json:"contract_name"`

	Balance flexNumber `json:"balance"`
}

var contractListKeys = []string{"contracts", "content", "items"}

// decodeContracts accepts a bare array or an object wrapping it under one
// of contractListKeys.
func decodeContracts(body []byte) ([]Contract, error) {
	list, err := unwrapList(body, contractListKeys)
	if err != nil {
		return nil, errors.Wrap(err, "decoding contracts")
	}

	var raw []rawContract
	if err := json.Unmarshal(list, &raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding contracts"), ErrUnexpectedShape)
	}

	contracts := make([]Contract, 0, len(raw))
	for _, r := range raw {
		contracts = append(contracts, Contract{
			ID:      firstString(r.ContractID, r.ContractIDCamel, r.ID),
			Name:    firstString(r.ContractName, r.Name),
			Balance: int64(r.Balance),
		})
	}
	return contracts, nil
}

func unwrapList(body []byte, keys []string) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.Mark(errors.New("empty body"), ErrUnexpectedShape)
	}
	switch body[0] {
	case '[':
		return body, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, errors.Mark(err, ErrUnexpectedShape)
		}
		for _, key := range keys {
			if v, ok := wrapper[key]; ok && bytes.HasPrefix(bytes.TrimSpace(v), []byte("[")) {
				return v, nil
			}
		}
		return nil, errors.Mark(errors.Newf("no list under %s", strings.Join(keys, "|")), ErrUnexpectedShape)
	default:
		return nil, errors.Mark(errors.Newf("body starts with %q", body[0]), ErrUnexpectedShape)
	}
}

type rawToken struct {
	Token            string `json:"token"`
	AccessToken      string `json:"accessToken"`
	AccessTokenSnake string `json:"access_token"`
}

// decodeToken finds the bearer token in a login reply: a JSON field, then
// the Authorization header, then a bare JWT-looking body.
func decodeToken(body []byte, header http.Header) string {
	var raw rawToken
	if err := json.Unmarshal(body, &raw); err == nil {
		for _, t := range []string{raw.Token, raw.AccessToken, raw.AccessTokenSnake} {
			if t != "" {
				return t
			}
		}
	}

	if auth := header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}

	s := strings.TrimSpace(string(body))
	if strings.Contains(s, ".") && len(s) > 50 && !strings.HasPrefix(s, "{") {
		return strings.ReplaceAll(s, `"`, "")
	}
	return ""
}

type rawOrder struct {
	OrderID      flexString `json:"order_id"`
	OrderIDCamel flexString `json:"orderId"`
	ID           flexString `json:"id"`
}

func decodeOrderID(body []byte) (string, error) {
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decoding order"), ErrUnexpectedShape)
	}
	id := firstString(raw.OrderID, raw.OrderIDCamel, raw.ID)
	if id == "" {
		return "", errors.Mark(errors.New("order reply has no id"), ErrUnexpectedShape)
	}
	return id, nil
}

type rawPreorder struct {
	Price      flexNumber `json:"price"`
	TotalPrice flexNumber `json:"total_price"`
	Sum        flexNumber `json:"sum"`
	Amount     flexNumber `json:"amount_sum"`
}

func decodePreorder(body []byte) (Preorder, error) {
	var raw rawPreorder
	if err := json.Unmarshal(body, &raw); err != nil {
		return Preorder{}, errors.Mark(errors.Wrap(err, "decoding preorder"), ErrUnexpectedShape)
	}
	price := firstNumber(raw.Price, raw.TotalPrice, raw.Sum, raw.Amount)
	if price <= 0 {
		return Preorder{}, errors.Mark(errors.New("preorder reply has no price"), ErrUnexpectedShape)
	}
	return Preorder{
		UnitPrice: int64(math.Round(price)),
		Reply:     json.RawMessage(bytes.Clone(body)),
	}, nil
}

type rawRequisites struct {
	Amount             flexNumber `json:"amount"`
	ClientCompanyName  flexString `json:"client_company_name"`
	ClientName         flexString `json:"client_name"`
	CompanyEDRPOU      flexString `json:"company_edrpou"`
	CompanyName        flexString `json:"company_name"`
	ContractName       flexString `json:"contract_name"`
	ContractSaleOffice flexString `json:"contract_sale_office"`
	IBAN               flexString `json:"iban"`
	Expires            flexString `json:"expires"`
	Date               flexString `json:"date"`
}

func decodeRequisites(body []byte) (Requisites, error) {
	var raw rawRequisites
	if err := json.Unmarshal(body, &raw); err != nil {
		return Requisites{}, errors.Mark(errors.Wrap(err, "decoding requisites"), ErrUnexpectedShape)
	}
	return Requisites{
		Amount:             int64(raw.Amount),
		ClientName:         firstString(raw.ClientCompanyName, raw.ClientName),
		CompanyEDRPOU:      string(raw.CompanyEDRPOU),
		CompanyName:        string(raw.CompanyName),
		ContractName:       string(raw.ContractName),
		ContractSaleOffice: string(raw.ContractSaleOffice),
		IBAN:               string(raw.IBAN),
		Expires:            string(raw.Expires),
		Date:               string(raw.Date),
	}, nil
}
