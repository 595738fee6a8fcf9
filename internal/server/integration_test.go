package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/intake"
	"github.com/zombor/fleet-fuel/internal/ledger"
	"github.com/zombor/fleet-fuel/internal/server"
	"github.com/zombor/fleet-fuel/internal/session"
)

var _ = Describe("Integration", func() {
	var (
		db       *ledger.BoltDB
		files    *ledger.LocalStorage
		service  *intake.Service
		api      *server.Server
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()

		var err error
		db, err = ledger.NewBoltDB(filepath.Join(dir, "fleet.db"))
		Expect(err).NotTo(HaveOccurred())
		files, err = ledger.NewLocalStorage(filepath.Join(dir, "files"))
		Expect(err).NotTo(HaveOccurred())

		// Cash only: no coupon provider configured.
		service = intake.NewService(db, session.NewStore(15*time.Minute, 10), nil, nil, nil, files, intake.Config{AutoRegister: true})
		api = server.New(db, nil, nil, files, server.BasicAuth{})
		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghServer.Close()
		db.Close()
	})

	get := func(path string, v any) *http.Response {
		ghServer.AppendHandlers(api.ServeHTTP)
		resp, err := http.Get(ghServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		if v != nil {
			Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
		}
		return resp
	}

	It("records a reported fueling with its receipt and serves it back", func() {
		var photo bytes.Buffer
		Expect(jpeg.Encode(&photo, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil)).To(Succeed())

		replies := service.HandleMessage(context.Background(), 42, "AA 1234 BB\nпробіг: 55500\n45л по 52.50\nОККО",
			&intake.Attachment{Data: photo.Bytes(), ContentType: "image/jpeg"})
		Expect(replies[len(replies)-1].Text).To(ContainSubstring("Заправка записана"))

		var vehicles []ledger.Vehicle
		get("/api/vehicles", &vehicles)
		Expect(vehicles).To(HaveLen(1))
		Expect(vehicles[0].Mileage).To(Equal(55500))

		var records []ledger.FuelRecord
		get("/api/fuel?vehicle_id="+vehicles[0].ID, &records)
		Expect(records).To(HaveLen(1))
		Expect(records[0].Payment).To(Equal(ledger.PaymentCash))
		Expect(records[0].Station).To(Equal("ОККО"))
		Expect(records[0].Attachment).NotTo(BeEmpty())

		resp := get("/api/files/"+records[0].Attachment, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
	})

	It("keeps the coupon balance from purchases and coupon fuelings", func() {
		ghServer.AppendHandlers(api.ServeHTTP)
		resp, err := http.Post(ghServer.URL()+"/api/coupons/purchases", "application/json", strings.NewReader(`{"liters":200,"price_per_liter":"51.20"}`))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		v := &ledger.Vehicle{Plate: "AA 1234 BB", Brand: "Renault"}
		Expect(db.SaveVehicle(v)).To(Succeed())
		_, err = db.AppendFuelRecord(&ledger.FuelRecord{
			VehicleID: v.ID, Liters: decimal.NewFromInt(20), PricePerLiter: decimal.NewFromInt(50),
			Mileage: 10000, Payment: ledger.PaymentCoupon, CouponNumber: "A-20-1",
		})
		Expect(err).NotTo(HaveOccurred())

		var balance ledger.CouponBalance
		get("/api/coupons/balance", &balance)
		Expect(balance.Balance.Equal(decimal.NewFromInt(180))).To(BeTrue())

		Expect(get("/api/coupons/stock", nil).StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})
