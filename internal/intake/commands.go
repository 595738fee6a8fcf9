package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

func (s *Service) handleCommand(ctx context.Context, msg string) []Reply {
	cmd := strings.Fields(msg)[0]
	// Telegram appends the bot name in groups: /cars@fleet_bot
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch strings.ToLower(cmd) {
	case "/start":
		return []Reply{text(startText)}
	case "/help":
		return []Reply{text(helpText)}
	case "/cars":
		return []Reply{s.carsReply()}
	case "/stats":
		return []Reply{s.statsReply()}
	case "/coupons":
		return []Reply{s.couponsReply(ctx)}
	}
	return []Reply{text("🤷 Невідома команда. /help - допомога")}
}

func (s *Service) carsReply() Reply {
	vehicles, err := s.ledger.ListVehicles()
	if err != nil {
		slog.Error("Failed to list vehicles", "error", err)
		return text(textStorageError)
	}
	if len(vehicles) == 0 {
		return text(textNoCars)
	}

	var blocks []string
	for _, v := range vehicles {
		records, err := s.ledger.ListFuelRecords(v.ID)
		if err != nil {
			slog.Error("Failed to list fuel records", "vehicle_id", v.ID, "error", err)
			return text(textStorageError)
		}
		total := decimal.Zero
		for _, r := range records {
			total = total.Add(r.Total())
		}
		blocks = append(blocks, fmt.Sprintf("🚗 *%s*\n   📍 %s\n   📏 %d км\n   ⛽ %d заправок (%s грн)",
			strings.TrimSpace(v.Brand+" "+v.Model), v.Plate, v.Mileage, len(records), total.StringFixed(0)))
	}
	return text("*Ваші автомобілі:*\n\n" + strings.Join(blocks, "\n\n"))
}

func (s *Service) statsReply() Reply {
	vehicles, err := s.ledger.ListVehicles()
	if err != nil {
		slog.Error("Failed to list vehicles", "error", err)
		return text(textStorageError)
	}
	records, err := s.ledger.ListFuelRecords("")
	if err != nil {
		slog.Error("Failed to list fuel records", "error", err)
		return text(textStorageError)
	}

	var (
		cost, volume, consumption decimal.Decimal
		withConsumption           int64
	)
	for _, r := range records {
		cost = cost.Add(r.Total())
		volume = volume.Add(r.Liters)
		if r.Consumption.IsPositive() {
			consumption = consumption.Add(r.Consumption)
			withConsumption++
		}
	}
	avg := decimal.Zero
	if withConsumption > 0 {
		avg = consumption.Div(decimal.NewFromInt(withConsumption))
	}

	return text(fmt.Sprintf("📊 *Загальна статистика*\n\n"+
		"🚗 Автомобілів: %d\n"+
		"⛽ Заправок: %d\n"+
		"🛢️ Загалом пального: %s л\n"+
		"💰 Витрачено на пальне: %s грн\n"+
		"📈 Середня витрата: %s л/100км",
		len(vehicles), len(records), volume.StringFixed(1), cost.StringFixed(0), avg.StringFixed(2)))
}

func (s *Service) couponsReply(ctx context.Context) Reply {
	var b strings.Builder
	b.WriteString("🎫 *Талони*\n\n")

	if s.coupons == nil {
		b.WriteString("Видача талонів не налаштована.\n")
	} else if counts, err := s.coupons.AvailableNominals(ctx); err != nil {
		slog.Error("Failed to list coupon stock", "error", err)
		b.WriteString(textTryAgain + "\n")
	} else if len(counts) == 0 {
		b.WriteString("Талонів немає в наявності.\n")
	} else {
		for _, nc := range counts {
			fmt.Fprintf(&b, "• %s\n", nominalLabel(nc))
		}
	}

	balance, err := s.ledger.GetCouponBalance()
	if err != nil {
		slog.Error("Failed to compute coupon balance", "error", err)
		return text(strings.TrimRight(b.String(), "\n"))
	}
	fmt.Fprintf(&b, "\n📦 Куплено: %s л\n⛽ Використано: %s л\n⚖️ Залишок: %s л",
		balance.Purchased.StringFixed(1), balance.Used.StringFixed(1), balance.Balance.StringFixed(1))
	return text(b.String())
}
