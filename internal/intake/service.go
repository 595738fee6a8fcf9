// Package intake runs the operator conversation: a fuel report comes in,
// is validated, and is recorded once the operator says how it was paid.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/document"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/imaging"
	"github.com/zombor/fleet-fuel/internal/ledger"
	"github.com/zombor/fleet-fuel/internal/mileage"
	"github.com/zombor/fleet-fuel/internal/parser"
	"github.com/zombor/fleet-fuel/internal/session"
)

// Callback data prefixes and payment options.
const (
	prefixPayment = "pay"
	prefixNominal = "nom"
	optionCash    = "cash"
	optionCoupon  = "coupon"
)

// Ledger is the record keeping the service writes to
type Ledger interface {
	FindVehicleByPlate(plate string) (*ledger.Vehicle, error)
	SaveVehicle(v *ledger.Vehicle) error
	ListVehicles() ([]*ledger.Vehicle, error)
	AppendFuelRecord(r *ledger.FuelRecord) (*ledger.FuelRecord, error)
	ListFuelRecords(vehicleID string) ([]*ledger.FuelRecord, error)
	GetCouponBalance() (ledger.CouponBalance, error)
}

// Coupons allocates coupons by denomination
type Coupons interface {
	Allocate(ctx context.Context, nominal int) (fuelnet.Coupon, error)
	AvailableNominals(ctx context.Context) ([]coupon.NominalCount, error)
	TriggerReplenish() bool
}

// Issuer produces the document for an allocated coupon
type Issuer interface {
	Issue(ctx context.Context, c fuelnet.Coupon, d document.Details) document.Document
}

// Extractor reads reports the rule parser could not
type Extractor interface {
	Extract(ctx context.Context, text string) (parser.Report, error)
}

// Files stores attachments
type Files interface {
	Save(filename string, data []byte) (string, error)
}

// Attachment is a file sent along with a report, usually a receipt photo.
type Attachment struct {
	Data        []byte
	ContentType string
}

// Choice is one button of an inline prompt.
type Choice struct {
	Label string
	Data  string
}

// Reply is one outbound message.
type Reply struct {
	Text     string
	Choices  []Choice
	Document *document.Document
}

func text(s string) Reply { return Reply{Text: s} }

// Config configures a Service.
type Config struct {
	Validator    mileage.Validator
	AutoRegister bool
	Now          func() time.Time
}

// Service handles operator messages and selections
type Service struct {
	ledger    Ledger
	store     *session.Store
	coupons   Coupons
	issuer    Issuer
	extractor Extractor
	files     Files
	validator mileage.Validator
	autoReg   bool
	now       func() time.Time

	// chats serializes messages and selections per chat so reports land in
	// arrival order and a double tap cannot allocate twice for one report.
	chats [64]sync.Mutex
}

// NewService creates a Service. coupons nil disables the coupon payment
// path; issuer, extractor and files may be nil.
func NewService(l Ledger, store *session.Store, coupons Coupons, issuer Issuer, extractor Extractor, files Files, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Validator.Max.IsZero() {
		cfg.Validator = mileage.DefaultValidator()
	}
	return &Service{
		ledger:    l,
		store:     store,
		coupons:   coupons,
		issuer:    issuer,
		extractor: extractor,
		files:     files,
		validator: cfg.Validator,
		autoReg:   cfg.AutoRegister,
		now:       cfg.Now,
	}
}

func (s *Service) lockChat(chatID int64) func() {
	idx := chatID % int64(len(s.chats))
	if idx < 0 {
		idx = -idx
	}
	m := &s.chats[idx]
	m.Lock()
	return m.Unlock
}

// HandleMessage processes a text message, or a photo with its caption as
// text.
func (s *Service) HandleMessage(ctx context.Context, chatID int64, msg string, att *Attachment) []Reply {
	msg = strings.TrimSpace(msg)
	if strings.HasPrefix(msg, "/") {
		return s.handleCommand(ctx, msg)
	}
	if msg == "" {
		if att != nil {
			return []Reply{text("📷 Фото отримано. Додайте до фото підпис з даними заправки:\n" + formatExample)}
		}
		return nil
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	report := s.parse(ctx, msg)
	if !report.Parsed {
		slog.Info("Message not understood", "chat_id", chatID)
		return []Reply{text(textUnrecognized)}
	}
	if missing := report.Missing(); len(missing) > 0 {
		return []Reply{text(missingText(missing))}
	}

	var replies []Reply
	vehicle, err := s.ledger.FindVehicleByPlate(report.Plate)
	switch {
	case errors.Is(err, ledger.ErrNotFound) && s.autoReg:
		vehicle = &ledger.Vehicle{Brand: "Авто", Model: report.Plate, Plate: report.Plate}
		if err := s.ledger.SaveVehicle(vehicle); err != nil {
			slog.Error("Failed to register vehicle", "plate", report.Plate, "error", err)
			return []Reply{text(textStorageError)}
		}
		slog.Info("Vehicle registered", "plate", vehicle.Plate, "vehicle_id", vehicle.ID)
		replies = append(replies, text(fmt.Sprintf(textNewCar, vehicle.Plate)))
	case errors.Is(err, ledger.ErrNotFound):
		return []Reply{text(fmt.Sprintf(textUnknownCar, report.Plate))}
	case err != nil:
		slog.Error("Failed to look up vehicle", "plate", report.Plate, "error", err)
		return []Reply{text(textStorageError)}
	}

	res, err := s.validator.Check(vehicle.Mileage, report.Mileage, report.Liters, report.Override)
	switch {
	case errors.Is(err, mileage.ErrMileageRegression):
		slog.Warn("Mileage regression rejected", "plate", vehicle.Plate, "last", res.Last, "next", res.Next)
		return append(replies, text(regressionText(res)))
	case errors.Is(err, mileage.ErrImplausibleConsumption):
		slog.Warn("Implausible consumption", "plate", vehicle.Plate, "consumption", res.Consumption.String(), "delta", res.Delta)
		return append(replies, text(implausibleText(res, s.validator)))
	case err != nil:
		return append(replies, text(textStorageError))
	}
	if res.Verdict == mileage.Overridden {
		slog.Warn("Implausible consumption overridden", "plate", vehicle.Plate, "consumption", res.Consumption.String())
	}

	entry := session.Entry{
		ChatID:     chatID,
		Report:     report,
		VehicleID:  vehicle.ID,
		Plate:      vehicle.Plate,
		LastKnown:  vehicle.Mileage,
		Attachment: s.keepAttachment(att),
	}

	if s.coupons == nil {
		rec, err := s.record(entry, ledger.PaymentCash, "")
		if err != nil {
			return append(replies, text(textStorageError))
		}
		return append(replies, text(confirmationText(rec, entry.Plate)))
	}

	entry, replaced := s.store.Put(entry)
	if replaced {
		replies = append(replies, text(textReplaced))
	}
	slog.Info("Fuel report pending payment", "chat_id", chatID, "ref", entry.Ref, "plate", entry.Plate, "verdict", res.Verdict.String())
	return append(replies, Reply{
		Text: summaryText(report, res) + "\n\n" + textAskPayment,
		Choices: []Choice{
			{Label: "🎫 Талон", Data: callback(prefixPayment, entry.Ref, optionCoupon)},
			{Label: "💵 Готівка", Data: callback(prefixPayment, entry.Ref, optionCash)},
		},
	})
}

// parse runs the rule parser, then the extractor when the rules fail.
func (s *Service) parse(ctx context.Context, msg string) parser.Report {
	report := parser.Parse(msg)
	if report.Parsed || s.extractor == nil {
		return report
	}
	extracted, err := s.extractor.Extract(ctx, msg)
	if err != nil {
		slog.Warn("Fallback extraction failed", "error", err)
		return report
	}
	return extracted
}

func (s *Service) keepAttachment(att *Attachment) string {
	if att == nil || len(att.Data) == 0 || s.files == nil {
		return ""
	}
	img, err := imaging.Normalize(att.Data, att.ContentType)
	if err != nil {
		slog.Warn("Failed to convert attachment", "content_type", att.ContentType, "error", err)
		return ""
	}
	name, err := s.files.Save("receipt_"+uuid.NewString()+".png", img.Data)
	if err != nil {
		slog.Warn("Failed to save attachment", "error", err)
		return ""
	}
	return name
}

// HandleSelection processes a button press.
func (s *Service) HandleSelection(ctx context.Context, chatID int64, data string) []Reply {
	kind, ref, option, ok := parseCallback(data)
	if !ok {
		slog.Warn("Malformed selection", "chat_id", chatID, "data", data)
		return []Reply{text(textExpired)}
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	switch {
	case kind == prefixPayment && option == optionCash:
		return s.payCash(chatID, ref)
	case kind == prefixPayment && option == optionCoupon:
		return s.askNominal(ctx, chatID, ref)
	case kind == prefixNominal:
		nominal, err := strconv.Atoi(option)
		if err != nil || nominal <= 0 {
			return []Reply{text(textExpired)}
		}
		return s.payCoupon(ctx, chatID, ref, nominal)
	}
	return []Reply{text(textExpired)}
}

func (s *Service) payCash(chatID int64, ref string) []Reply {
	entry, err := s.store.Resolve(chatID, ref, ledger.PaymentCash)
	if err != nil {
		return []Reply{text(textExpired)}
	}
	rec, err := s.record(entry, ledger.PaymentCash, "")
	if err != nil {
		return []Reply{text(textStorageError)}
	}
	return []Reply{text(confirmationText(rec, entry.Plate))}
}

func (s *Service) askNominal(ctx context.Context, chatID int64, ref string) []Reply {
	if s.coupons == nil {
		return []Reply{text(textExpired)}
	}
	entry, err := s.store.Get(chatID, ref)
	if err != nil {
		return []Reply{text(textExpired)}
	}

	choices, err := s.nominalChoices(ctx, entry.Ref)
	if err != nil {
		slog.Error("Failed to list coupon stock", "chat_id", chatID, "error", err)
		return []Reply{text(textTryAgain)}
	}
	if len(choices) == 0 {
		s.coupons.TriggerReplenish()
		return []Reply{{
			Text:    textNoCoupons,
			Choices: []Choice{cashChoice(entry.Ref)},
		}}
	}

	if _, err := s.store.Advance(chatID, ref, session.AwaitingDenomination); err != nil {
		return []Reply{text(textExpired)}
	}
	return []Reply{{Text: textAskNominal, Choices: append(choices, cashChoice(entry.Ref))}}
}

func (s *Service) nominalChoices(ctx context.Context, ref string) ([]Choice, error) {
	counts, err := s.coupons.AvailableNominals(ctx)
	if err != nil {
		return nil, err
	}
	var choices []Choice
	for _, nc := range counts {
		if nc.Count > 0 {
			choices = append(choices, Choice{Label: nominalLabel(nc), Data: callback(prefixNominal, ref, strconv.Itoa(nc.Nominal))})
		}
	}
	return choices, nil
}

func (s *Service) payCoupon(ctx context.Context, chatID int64, ref string, nominal int) []Reply {
	if s.coupons == nil {
		return []Reply{text(textExpired)}
	}
	entry, err := s.store.Get(chatID, ref)
	if err != nil || entry.State != session.AwaitingDenomination {
		return []Reply{text(textExpired)}
	}

	c, err := s.coupons.Allocate(ctx, nominal)
	switch {
	case errors.Is(err, coupon.ErrUnavailable):
		choices, listErr := s.nominalChoices(ctx, ref)
		if listErr != nil {
			slog.Error("Failed to list coupon stock", "chat_id", chatID, "error", listErr)
		}
		return []Reply{{
			Text:    fmt.Sprintf(textExhausted, nominal),
			Choices: append(choices, cashChoice(ref)),
		}}
	case err != nil:
		slog.Error("Coupon allocation failed", "chat_id", chatID, "nominal", nominal, "error", err)
		return []Reply{text(textTryAgain)}
	}

	// The coupon stays issued from here on, whatever fails below.
	if resolved, err := s.store.Resolve(chatID, ref, ledger.PaymentCoupon); err == nil {
		entry = resolved
	} else {
		slog.Warn("Pending entry vanished after allocation", "chat_id", chatID, "ref", ref, "coupon", c.Number)
	}

	var replies []Reply
	rec, err := s.record(entry, ledger.PaymentCoupon, c.Number)
	if err != nil {
		replies = append(replies, text(fmt.Sprintf(textNotRecorded, c.Number)))
	} else {
		replies = append(replies, text(confirmationText(rec, entry.Plate)))
	}

	if s.issuer != nil {
		doc := s.issuer.Issue(ctx, c, document.Details{
			Plate:    entry.Plate,
			Liters:   entry.Report.Liters.String(),
			IssuedAt: s.now(),
		})
		replies = append(replies, Reply{Text: doc.Text, Document: &doc})
	} else {
		replies = append(replies, text(document.Summary(c, document.Details{Plate: entry.Plate, IssuedAt: s.now()})))
	}
	return replies
}

func (s *Service) record(entry session.Entry, payment, couponNumber string) (*ledger.FuelRecord, error) {
	r := entry.Report
	rec, err := s.ledger.AppendFuelRecord(&ledger.FuelRecord{
		VehicleID:     entry.VehicleID,
		Date:          s.now().Format("2006-01-02"),
		Liters:        r.Liters,
		PricePerLiter: r.PricePerLiter,
		Mileage:       r.Mileage,
		Station:       r.Station,
		FullTank:      r.FullTank,
		Payment:       payment,
		CouponNumber:  couponNumber,
		Attachment:    entry.Attachment,
		Source:        "telegram",
	})
	if err != nil {
		slog.Error("Failed to record fueling", "vehicle_id", entry.VehicleID, "payment", payment, "coupon", couponNumber, "error", err)
		return nil, err
	}
	slog.Info("Fueling recorded", "vehicle_id", entry.VehicleID, "record_id", rec.ID, "payment", payment, "coupon", couponNumber)
	return rec, nil
}

// Sweep drops expired pending entries every interval until ctx is done.
func (s *Service) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Sweep(); n > 0 {
				slog.Debug("Expired pending entries dropped", "count", n)
			}
		}
	}
}

func cashChoice(ref string) Choice {
	return Choice{Label: "💵 Готівка", Data: callback(prefixPayment, ref, optionCash)}
}

func callback(kind, ref, option string) string {
	return kind + ":" + ref + ":" + option
}

func parseCallback(data string) (kind, ref, option string, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	if parts[0] != prefixPayment && parts[0] != prefixNominal {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
