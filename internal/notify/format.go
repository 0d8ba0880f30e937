package notify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"flowershop-bot/internal/crm"

	tele "gopkg.in/telebot.v3"
)

// Callback actions embedded in inline button payloads.
const (
	ActionConfirmOrder       = "confirm_order"
	ActionDiscussReplacement = "discuss_replacement"
	ActionPickedUp           = "picked_up"
	ActionPickedUpByCourier  = "order_picked_up_by_courier"
)

var clockPattern = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)

// OrderMessage renders the HTML notification text for a new order.
// Each order line is repeated once per unit so florists can tick
// bouquets off one by one.
func OrderMessage(order crm.Order, storeName string) string {
	var lines []string

	number := order.Number
	if number == "" {
		number = "N/A"
	}
	lines = append(lines, fmt.Sprintf("<b>ЗАКАЗ %s</b>", number), "")

	if len(order.Items) > 0 {
		lines = append(lines, "<b>ТОВАРЫ:</b>", "")
		counter := 1
		for _, item := range order.Items {
			title := item.Offer.Title()
			if title == "" {
				title = "N/A"
			}
			composition := item.Offer.Composition()
			for i := 0; i < int(item.Quantity); i++ {
				lines = append(lines, fmt.Sprintf("<b>%d. %s</b>", counter, title), "")
				if composition != "" {
					lines = append(lines, "Состав:", "   "+composition, "")
				}
				counter++
			}
		}
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		lines = append(lines, "")
	}

	if order.IsSelfDelivery() {
		lines = append(lines, "<b>🏪 САМОВЫВОЗ</b>", "")
	} else {
		lines = append(lines, "<b>🚚 ДОСТАВКА</b>", "")
	}

	if storeName != "" {
		lines = append(lines, fmt.Sprintf("<b>Склад отгрузки:</b> %s", storeName), "")
	}

	date := order.Delivery.Date
	if date == "" {
		date = "N/A"
	}
	lines = append(lines, fmt.Sprintf("📅 <b>Дата заказа:</b> %s", date))

	if timeStr := deliveryTimeLabel(order.Delivery.Time); timeStr != "" {
		lines = append(lines, fmt.Sprintf("⏰ <b>Время заказа:</b> %s", timeStr))
	}
	lines = append(lines, "")

	if !order.IsSelfDelivery() {
		if addr := formatAddress(order.Delivery.Address); addr != "" {
			lines = append(lines, "📍 <b>Адрес:</b>", addr, "")
		}
	}

	return strings.Join(lines, "\n")
}

// deliveryTimeLabel builds the time line. Times are shifted back one
// hour so florists have the bouquet ready before the courier arrives.
func deliveryTimeLabel(t crm.DeliveryTime) string {
	if t.Custom != "" {
		return AdjustClockTimes(t.Custom, -1)
	}
	from := adjustTime(t.From, -1)
	to := adjustTime(t.To, -1)
	switch {
	case from != "" && to != "":
		return from + " - " + to
	case from != "":
		return "с " + from
	default:
		return ""
	}
}

func formatAddress(addr crm.Address) string {
	var parts []string
	if addr.City != "" {
		parts = append(parts, addr.City)
	}
	if addr.Street != "" {
		parts = append(parts, addr.Street)
	}
	if addr.Building != "" {
		parts = append(parts, "д. "+addr.Building)
	}
	if addr.Flat != "" {
		parts = append(parts, "кв. "+addr.Flat)
	}
	return strings.Join(parts, ", ")
}

// AdjustClockTimes shifts every HH:MM occurrence in a free-form string
// by the given number of hours, leaving unparseable text untouched.
func AdjustClockTimes(s string, hours int) string {
	return clockPattern.ReplaceAllStringFunc(s, func(match string) string {
		if adjusted := adjustTime(match, hours); adjusted != "" {
			return adjusted
		}
		return match
	})
}

func adjustTime(clock string, hours int) string {
	if clock == "" {
		return ""
	}
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return clock
	}
	return parsed.Add(time.Duration(hours) * time.Hour).Format("15:04")
}

// OrderKeyboard is attached to new order notifications.
func OrderKeyboard(orderID int64) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "✅ Заказ принят", Data: payload(ActionConfirmOrder, orderID)},
			{Text: "🔄 Обсудить замены", Data: payload(ActionDiscussReplacement, orderID)},
		}},
	}
}

// PickedUpKeyboard replaces the order keyboard once a self-delivery
// order is ready for pickup.
func PickedUpKeyboard(orderID int64) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "🛍️ Заказ забрали", Data: payload(ActionPickedUp, orderID)},
		}},
	}
}

func payload(action string, orderID int64) string {
	return fmt.Sprintf("%s:%d", action, orderID)
}
