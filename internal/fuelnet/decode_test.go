package fuelnet

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func fixture(name string) []byte {
	data, err := os.ReadFile(filepath.Join("testdata", name))
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("decodeCards", func() {
	When("the list is wrapped under cards", func() {
		It("normalizes snake_case records and drops unnumbered ones", func() {
			coupons, err := decodeCards(fixture("cards_wrapped.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(coupons).To(Equal([]Coupon{
				{
					Number:    "7788000011112222",
					Nominal:   20,
					FuelType:  "Дизельне паливо",
					ProductID: "9018",
					ValidFrom: "2024-02-01T00:00:00",
					ValidTo:   "2024-05-01T23:59:59",
					QR:        "QR-7788000011112222",
					Status:    "CHST0",
				},
				{
					Number:    "7788000011113333",
					Nominal:   20,
					FuelType:  "Дизельне паливо",
					ProductID: "9018",
					ValidTo:   "2024-05-01T23:59:59",
					Status:    "CHST0",
				},
				{
					Number:   "7788000011114444",
					Nominal:  50,
					FuelType: DefaultFuelType,
					ValidTo:  "2024-05-01T23:59:59",
					Status:   "CHST0",
				},
			}))
		})
	})

	When("the reply is a bare array with camelCase aliases", func() {
		It("reads every alias and drops zero nominals", func() {
			coupons, err := decodeCards(fixture("cards_array.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(coupons).To(HaveLen(2))

			Expect(coupons[0].Number).To(Equal("5500100020003000"))
			Expect(coupons[0].Nominal).To(Equal(10))
			Expect(coupons[0].FuelType).To(Equal("А-95"))
			Expect(coupons[0].ValidTo).To(Equal("2024-06-30"))

			Expect(coupons[1].Number).To(Equal("5500100020003001"))
			Expect(coupons[1].Nominal).To(Equal(40))
			Expect(coupons[1].QR).To(Equal("5500100020003001"))
			Expect(coupons[1].Status).To(Equal(StatusActive))
		})
	})

	When("the list is wrapped under items with numeric numbers", func() {
		It("keeps the number digits", func() {
			coupons, err := decodeCards(fixture("cards_items.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(coupons).To(HaveLen(1))
			Expect(coupons[0].Number).To(Equal("4400110022003300"))
			Expect(coupons[0].Nominal).To(Equal(20))
			Expect(coupons[0].ValidToDate()).To(Equal("2024-07-15"))
		})
	})

	When("the list is wrapped under content", func() {
		It("reads it", func() {
			coupons, err := decodeCards([]byte(`{"content":[{"card_num":"1","nominal":10}]}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(coupons).To(HaveLen(1))
		})
	})

	When("the shape is not recognized", func() {
		It("returns a shape error", func() {
			for _, body := range []string{string(fixture("cards_unknown.json")), "", "null", `"text"`} {
				_, err := decodeCards([]byte(body))
				Expect(errors.Is(err, ErrUnexpectedShape)).To(BeTrue(), body)
			}
		})
	})
})

var _ = Describe("decodeContracts", func() {
	It("reads a bare array of named contracts", func() {
		contracts, err := decodeContracts(fixture("contracts_name.json"))
		Expect(err).NotTo(HaveOccurred())
		Expect(contracts).To(Equal([]Contract{
			{ID: "0010043190", Name: "Паливні картки"},
			{ID: "0045004861", Name: "Талони на пальне"},
		}))
	})

	It("reads wrapped balances", func() {
		contracts, err := decodeContracts(fixture("contracts_balance.json"))
		Expect(err).NotTo(HaveOccurred())
		Expect(contracts).To(HaveLen(2))
		Expect(contracts[0].Balance).To(Equal(int64(1234550)))
		Expect(contracts[1].Balance).To(BeZero())
	})
})

var _ = Describe("decodeToken", func() {
	It("prefers a body field over the header", func() {
		header := http.Header{"Authorization": {"Bearer from-header"}}
		Expect(decodeToken([]byte(`{"token":"from-body"}`), header)).To(Equal("from-body"))
	})

	It("ignores short raw bodies", func() {
		Expect(decodeToken([]byte("ok.ok"), http.Header{})).To(BeEmpty())
	})
})

var _ = Describe("decodeOrderID", func() {
	It("accepts every alias", func() {
		for _, body := range []string{`{"order_id":"1"}`, `{"orderId":1}`, `{"id":"1"}`} {
			id, err := decodeOrderID([]byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("1"))
		}
	})

	It("fails without an id", func() {
		_, err := decodeOrderID([]byte(`{}`))
		Expect(errors.Is(err, ErrUnexpectedShape)).To(BeTrue())
	})
})
