package intake

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/document"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/imaging"
	"github.com/zombor/fleet-fuel/internal/ledger"
	"github.com/zombor/fleet-fuel/internal/session"
)

const cardsBody = `{"total": 3, "cards": [
	{"card_num": "A-20-1", "nominal": 20000, "exp_date": "2024-05-01", "card_status": "CHST0"},
	{"card_num": "A-20-2", "nominal": 20000, "exp_date": "2024-05-01", "card_status": "CHST0"},
	{"card_num": "A-50-1", "nominal": 50000, "exp_date": "2024-05-01", "card_status": "CHST0"}
]}`

var _ = Describe("Coupon payment against the provider", func() {
	var (
		server  *ghttp.Server
		clock   *fakeClock
		dir     string
		db      *ledger.BoltDB
		files   *ledger.LocalStorage
		service *Service
		ctx     context.Context
		chatID  int64
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		clock = &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
		dir = GinkgoT().TempDir()
		ctx = context.Background()
		chatID = 42

		var err error
		db, err = ledger.NewBoltDBWithDeps(filepath.Join(dir, "fleet.db"), clock.Now)
		Expect(err).NotTo(HaveOccurred())
		files, err = ledger.NewLocalStorage(filepath.Join(dir, "files"))
		Expect(err).NotTo(HaveOccurred())

		client := fuelnet.New(fuelnet.Config{BaseURL: server.URL(), Login: "fleet", Password: "secret", Now: clock.Now})
		inventory := coupon.NewInventory(client, coupon.Config{Now: clock.Now})
		engine := coupon.NewEngine(inventory, coupon.NewIssuedLedger(time.UTC, clock.Now, db), files, coupon.EngineConfig{})
		renderer, err := document.NewRenderer(document.RendererConfig{CompanyName: "Fleet", Now: clock.Now})
		Expect(err).NotTo(HaveOccurred())
		issuer := document.NewIssuer(inventory, imaging.PDFInspector{}, renderer, files)

		store := session.NewStoreWithDeps(15*time.Minute, 100, clock, sequentialRefs())
		service = NewService(db, store, engine, issuer, nil, files, Config{AutoRegister: true, Now: clock.Now})

		server.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/proxy-service/login"),
				ghttp.RespondWith(http.StatusOK, `{"token":"tok1"}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/userdata-service/contracts/name"),
				ghttp.RespondWith(http.StatusOK, `[{"contract_id":"0045004861","name":"Талони ДП"}]`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/proxy-service/cards"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer tok1"),
				ghttp.RespondWith(http.StatusOK, cardsBody),
			),
		)
	})

	AfterEach(func() {
		server.Close()
		db.Close()
	})

	It("issues the coupon, records it and falls back to a local document", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/proxy-service/pdf/coupons"),
			ghttp.RespondWith(http.StatusOK, `{"error":"not ready"}`, http.Header{"Content-Type": []string{"application/json"}}),
		))

		service.HandleMessage(ctx, chatID, report, nil)
		replies := service.HandleSelection(ctx, chatID, "pay:ref1:coupon")
		Expect(replies[0].Choices).To(ContainElement(Choice{Label: "50 л (1 шт.)", Data: "nom:ref1:50"}))

		replies = service.HandleSelection(ctx, chatID, "nom:ref1:50")
		Expect(replies).To(HaveLen(2))
		Expect(replies[0].Text).To(ContainSubstring("талон A-50-1"))
		doc := replies[1].Document
		Expect(doc).NotTo(BeNil())
		Expect(doc.Kind).To(Equal(document.LocalPDF))
		Expect(doc.IsPDF()).To(BeTrue())
		Expect(doc.Text).To(ContainSubstring("A-50-1"))

		saved, err := files.Get(doc.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved).To(Equal(doc.Data))

		recs, err := db.ListFuelRecords("")
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(1))
		Expect(recs[0].CouponNumber).To(Equal("A-50-1"))

		issued, err := db.LoadIssued("2024-03-01")
		Expect(err).NotTo(HaveOccurred())
		Expect(issued).To(ConsistOf("A-50-1"))
		Expect(server.ReceivedRequests()).To(HaveLen(4))
	})

	It("never hands the same coupon out twice", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{}`))

		service.HandleMessage(ctx, chatID, report, nil)
		service.HandleSelection(ctx, chatID, "pay:ref1:coupon")
		service.HandleSelection(ctx, chatID, "nom:ref1:50")

		service.HandleMessage(ctx, chatID, "AA 1234 BB 55900 40л по 52.50", nil)
		replies := service.HandleSelection(ctx, chatID, "pay:ref2:coupon")
		Expect(replies[0].Choices).To(Equal([]Choice{
			{Label: "20 л (2 шт.)", Data: "nom:ref2:20"},
			{Label: "💵 Готівка", Data: "pay:ref2:cash"},
		}))

		replies = service.HandleSelection(ctx, chatID, "nom:ref2:50")
		Expect(replies[0].Text).To(ContainSubstring("50 л закінчилися"))

		recs, err := db.ListFuelRecords("")
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(1))
	})
})
