package notify

import (
	"context"
	"errors"
	"sort"
	"time"

	"flowershop-bot/internal/config"
	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/metrics"

	tele "gopkg.in/telebot.v3"

	"log/slog"
)

const (
	albumLimit     = 10
	recipientPause = 500 * time.Millisecond
)

// Recipient is one admin chat that should receive a notification.
type Recipient struct {
	AdminID int64
	ChatID  int64
}

// Dispatcher fans order notifications out to the admins responsible
// for the order's warehouse. A failure for one recipient never blocks
// the rest.
type Dispatcher struct {
	logger    *slog.Logger
	messenger Messenger
	metrics   *metrics.Metrics
	admins    map[int64]config.Admin
	pause     time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewDispatcher builds a dispatcher over the given admin table.
func NewDispatcher(messenger Messenger, admins map[int64]config.Admin, logger *slog.Logger, metrics *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With("component", "dispatcher"),
		messenger: messenger,
		metrics:   metrics,
		admins:    admins,
		pause:     recipientPause,
		sleep:     time.Sleep,
	}
}

// RecipientsFor lists the admins assigned to a warehouse, in stable
// order.
func (d *Dispatcher) RecipientsFor(warehouse string) []Recipient {
	var recipients []Recipient
	for userID, admin := range d.admins {
		if admin.Warehouse == warehouse {
			recipients = append(recipients, Recipient{AdminID: userID, ChatID: admin.ChatID})
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].AdminID < recipients[j].AdminID })
	return recipients
}

// Deliver sends the notification to every admin of the order's
// warehouse and reports how many chats received it.
func (d *Dispatcher) Deliver(ctx context.Context, order crm.Order, message string, markup *tele.ReplyMarkup, imageURLs []string) int {
	if order.ShipmentStore == "" {
		d.logger.Warn("order has no shipment store", "order_id", order.ID)
		return 0
	}
	recipients := d.RecipientsFor(order.ShipmentStore)
	if len(recipients) == 0 {
		d.logger.Warn("no admins for warehouse", "warehouse", order.ShipmentStore, "order_id", order.ID)
		return 0
	}

	d.logger.Info("delivering notification",
		"order_id", order.ID, "warehouse", order.ShipmentStore, "recipients", len(recipients))

	delivered := 0
	for idx, rcpt := range recipients {
		if ctx.Err() != nil {
			return delivered
		}

		err := d.sendTo(rcpt.ChatID, message, markup, imageURLs)
		switch {
		case err == nil:
			delivered++
			d.countOutcome("ok")
		case isForbidden(err):
			d.logger.Warn("bot blocked in chat", "chat_id", rcpt.ChatID, "admin_id", rcpt.AdminID)
			d.countOutcome("forbidden")
		default:
			if wait, flood := floodWait(err); flood {
				d.logger.Warn("flood control, waiting", "chat_id", rcpt.ChatID, "wait", wait)
				d.sleep(wait)
				if retryErr := d.messenger.SendText(rcpt.ChatID, message, markup); retryErr == nil {
					delivered++
					d.countOutcome("ok")
				} else {
					d.logger.Error("retry after flood wait failed", "chat_id", rcpt.ChatID, "error", retryErr)
					d.countOutcome("failed")
				}
			} else {
				d.logger.Error("notification delivery failed", "chat_id", rcpt.ChatID, "error", err)
				d.countOutcome("failed")
			}
		}

		if idx < len(recipients)-1 {
			d.sleep(d.pause)
		}
	}
	return delivered
}

// sendTo picks the media layout for one chat. A broken image never
// loses the notification: the text form is sent instead.
func (d *Dispatcher) sendTo(chatID int64, message string, markup *tele.ReplyMarkup, imageURLs []string) error {
	switch {
	case len(imageURLs) == 1:
		err := d.messenger.SendPhoto(chatID, imageURLs[0], message, markup)
		if isBadRequest(err) {
			d.logger.Warn("photo rejected, sending text only", "chat_id", chatID, "error", err)
			return d.messenger.SendText(chatID, message, markup)
		}
		return err
	case len(imageURLs) > 1:
		urls := imageURLs
		if len(urls) > albumLimit {
			urls = urls[:albumLimit]
		}
		err := d.messenger.SendAlbum(chatID, urls, message)
		if isBadRequest(err) {
			d.logger.Warn("album rejected, sending text only", "chat_id", chatID, "error", err)
			return d.messenger.SendText(chatID, message, markup)
		}
		if err != nil {
			return err
		}
		// Album messages cannot carry a keyboard, so the buttons
		// arrive in a follow-up message.
		return d.messenger.SendText(chatID, "Выберите действие:", markup)
	default:
		return d.messenger.SendText(chatID, message, markup)
	}
}

func (d *Dispatcher) countOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.NotificationsSent.WithLabelValues(outcome).Inc()
	}
}

func isForbidden(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	var tbErr *tele.Error
	return errors.As(err, &tbErr) && tbErr.Code == 403
}

func isBadRequest(err error) bool {
	if err == nil {
		return false
	}
	var tbErr *tele.Error
	return errors.As(err, &tbErr) && tbErr.Code == 400
}

func floodWait(err error) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return time.Duration(flood.RetryAfter) * time.Second, true
	}
	return 0, false
}
