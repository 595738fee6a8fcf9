package intake

import (
	"fmt"
	"strings"

	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/ledger"
	"github.com/zombor/fleet-fuel/internal/mileage"
	"github.com/zombor/fleet-fuel/internal/parser"
)

const formatExample = "`AA 1234 BB 55500 45л 52.50`"

const startText = "🚗 *Вітаю в АвтоКонтроль!*\n\n" +
	"Я веду облік заправок та видаю талони на пальне.\n\n" +
	"📝 *Як надсилати дані про заправку:*\n" +
	"```\nAA 1234 BB\nпробіг: 55500\n45л по 52.50\n```\n\n" +
	"Або в один рядок:\n" + formatExample + "\n\n" +
	"Після запису оберіть спосіб оплати: талон або готівка.\n\n" +
	"📋 *Команди:*\n" +
	"/help - Допомога\n" +
	"/cars - Список авто\n" +
	"/stats - Статистика\n" +
	"/coupons - Талони в наявності"

const helpText = "📋 *Допомога*\n\n" +
	"*Формат повідомлення:*\n" +
	"• Номер авто: `AA 1234 BB` або `АА1234ВВ`\n" +
	"• Пробіг: `55500` або `пробіг: 55500`\n" +
	"• Заправка: `45л` або `45 літрів`\n" +
	"• Ціна: `52.50` або `по 52.50 грн`\n" +
	"• Повний бак: `повний бак`\n\n" +
	"Якщо витрата виглядає неправдоподібною, надішліть звіт ще раз з позначкою `#підтверджую`.\n\n" +
	"*Приклади:*\n" +
	"```\nAA 1234 BB 55500 45л 52.50\n```\n" +
	"```\nАА 1234 ВВ\nпробіг: 55500\nзаправка 45л по 52.50\nОККО\n```\n\n" +
	"*Команди:*\n" +
	"/start - Початок роботи\n" +
	"/cars - Мої автомобілі\n" +
	"/stats - Статистика витрат\n" +
	"/coupons - Талони в наявності"

const (
	textUnrecognized = "🤔 Не вдалося розпізнати дані.\n\nНадішліть дані у форматі:\n" + formatExample
	textExpired      = "⌛ Цей запит вже неактуальний. Надішліть звіт про заправку ще раз."
	textTryAgain     = "⚠️ Сервіс талонів тимчасово недоступний. Спробуйте ще раз за хвилину."
	textStorageError = "⚠️ Не вдалося зберегти заправку. Спробуйте ще раз."
	textReplaced     = "♻️ Попередній незавершений звіт замінено новим."
	textAskPayment   = "💳 Як оплачено заправку?"
	textAskNominal   = "🎫 Оберіть номінал талона:"
	textNoCoupons    = "😔 Талонів немає в наявності. Замовлення поповнення запущено. Оберіть інший спосіб оплати або спробуйте пізніше."
	textUnknownCar   = "🚫 Авто `%s` не знайдено. Зверніться до диспетчера, щоб додати його."
	textNewCar       = "🆕 Додано нове авто: `%s`"
	textNoCars       = "🚗 Ще немає автомобілів. Надішліть першу заправку!"
	textExhausted    = "😔 Талони на %d л закінчилися. Оберіть інший номінал або спосіб оплати."
	textNotRecorded  = "⚠️ Талон %s видано, але заправку не вдалося записати. Повідомте диспетчера."
)

var missingLabels = map[string]string{
	parser.FieldPlate:   "❌ Не вказано номер авто",
	parser.FieldLiters:  "❌ Не вказано кількість літрів",
	parser.FieldPrice:   "❌ Не вказано ціну за літр",
	parser.FieldMileage: "❌ Не вказано пробіг",
}

func missingText(fields []string) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, missingLabels[f])
	}
	return "⚠️ *Не вдалося розпізнати дані*\n\n" + strings.Join(lines, "\n") +
		"\n\n📝 *Приклад правильного формату:*\n" + formatExample
}

func regressionText(res mileage.Result) string {
	return fmt.Sprintf("🚫 Пробіг %d км менший за останній відомий (%d км). Перевірте показання одометра.", res.Next, res.Last)
}

func implausibleText(res mileage.Result, v mileage.Validator) string {
	return fmt.Sprintf("⚠️ Неправдоподібна витрата: %s л/100км на %d км (норма %s–%s).\n"+
		"Якщо дані правильні, надішліть звіт ще раз з позначкою `#підтверджую`.",
		res.Consumption.StringFixed(1), res.Delta, v.Min.String(), v.Max.String())
}

func summaryText(r parser.Report, res mileage.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚗 Авто: `%s`\n", r.Plate)
	fmt.Fprintf(&b, "📏 Пробіг: %d км\n", r.Mileage)
	fmt.Fprintf(&b, "⛽ Пальне: %s л × %s грн\n", r.Liters.String(), r.PricePerLiter.StringFixed(2))
	fmt.Fprintf(&b, "💰 Сума: %s грн", r.Total().StringFixed(2))
	if r.Station != "" {
		fmt.Fprintf(&b, "\n🏪 АЗС: %s", r.Station)
	}
	if r.FullTank {
		b.WriteString("\n🔋 Повний бак")
	}
	if res.Verdict == mileage.Overridden {
		fmt.Fprintf(&b, "\n❗ Витрата %s л/100км підтверджена вручну", res.Consumption.StringFixed(1))
	}
	return b.String()
}

func confirmationText(rec *ledger.FuelRecord, plate string) string {
	var b strings.Builder
	b.WriteString("✅ *Заправка записана!*\n\n")
	fmt.Fprintf(&b, "🚗 Авто: `%s`\n", plate)
	fmt.Fprintf(&b, "📏 Пробіг: %d км\n", rec.Mileage)
	fmt.Fprintf(&b, "⛽ Пальне: %s л × %s грн\n", rec.Liters.String(), rec.PricePerLiter.StringFixed(2))
	fmt.Fprintf(&b, "💰 Сума: %s грн\n", rec.Total().StringFixed(2))
	switch rec.Payment {
	case ledger.PaymentCoupon:
		fmt.Fprintf(&b, "🎫 Оплата: талон %s", rec.CouponNumber)
	default:
		b.WriteString("💵 Оплата: готівка")
	}
	if rec.Consumption.IsPositive() {
		fmt.Fprintf(&b, "\n📊 Витрата: %s л/100км", rec.Consumption.StringFixed(2))
	}
	return b.String()
}

func nominalLabel(nc coupon.NominalCount) string {
	return fmt.Sprintf("%d л (%d шт.)", nc.Nominal, nc.Count)
}
