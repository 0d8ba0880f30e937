package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowershop-bot/internal/config"
	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/ledger"
	"flowershop-bot/internal/metrics"
	"flowershop-bot/internal/notify"

	tele "gopkg.in/telebot.v3"

	"log/slog"
)

// OrderAPI is the slice of the order management API the handlers use.
type OrderAPI interface {
	Order(ctx context.Context, orderID int64) (*crm.Order, error)
	OrderByNumber(ctx context.Context, number string) (*crm.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, newStatus string) error
	Statuses(ctx context.Context) ([]crm.Status, error)
}

// Limiter gates callback actions per admin.
type Limiter interface {
	Check(ctx context.Context, identifier, action string, limit int, window time.Duration) (limited bool, remaining int)
	TimeToReset(ctx context.Context, identifier, action string) (time.Duration, bool)
}

// Handlers wires telegram updates to the order workflow.
type Handlers struct {
	logger  *slog.Logger
	api     OrderAPI
	store   ledger.Store
	limiter Limiter
	metrics *metrics.Metrics
	cfg     *config.Config
	ctx     context.Context
}

// New builds the handler set. ctx bounds outbound API calls made from
// telegram updates.
func New(ctx context.Context, api OrderAPI, store ledger.Store, limiter Limiter, cfg *config.Config, logger *slog.Logger, metrics *metrics.Metrics) *Handlers {
	return &Handlers{
		logger:  logger.With("component", "bot"),
		api:     api,
		store:   store,
		limiter: limiter,
		metrics: metrics,
		cfg:     cfg,
		ctx:     ctx,
	}
}

// Register attaches all handlers and the auth middleware to the bot.
func (h *Handlers) Register(b *tele.Bot) {
	b.Use(AuthMiddleware(h.cfg.Admins, h.logger))

	b.Handle("/start", h.handleStart)
	b.Handle("/chatid", h.handleChatID)
	b.Handle("/stats", h.handleStats)
	b.Handle("/my_stats", h.handleMyStats)
	b.Handle("/order", h.handleOrderLookup)
	b.Handle("/statuses", h.handleStatuses)
	b.Handle(tele.OnCallback, h.handleCallback)
}

func (h *Handlers) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}
	data := strings.TrimPrefix(strings.TrimSpace(callback.Data), "\f")

	switch callbackAction(data) {
	case notify.ActionConfirmOrder:
		return h.confirmOrder(c, data)
	case notify.ActionDiscussReplacement:
		return h.discussReplacement(c, data)
	case notify.ActionPickedUp:
		return h.pickedUp(c, data)
	case notify.ActionPickedUpByCourier:
		return h.pickedUpByCourier(c, data)
	default:
		h.logger.Warn("unknown callback action", "data", data, "user_id", c.Sender().ID)
		return h.respondAlert(c, "❌ Ошибка: неверный формат данных")
	}
}

func (h *Handlers) confirmOrder(c tele.Context, data string) error {
	const action = notify.ActionConfirmOrder
	if h.limited(c, action, h.cfg.RateLimitConfirm) {
		return nil
	}
	orderID, err := ParsePayload(data, action)
	if err != nil {
		h.logger.Warn("bad callback payload", "data", data, "error", err)
		return h.respondAlert(c, "❌ Ошибка: неверный формат данных")
	}
	h.respond(c, "⏳ Обновляю статус заказа...")

	order, err := h.api.Order(h.ctx, orderID)
	if err != nil {
		h.countAction(action, "not_found")
		return c.Send("❌ Заказ не найден в системе")
	}

	deliveryType, err := h.store.DeliveryType(h.ctx, orderID)
	if err != nil {
		h.logger.Warn("delivery type lookup failed", "order_id", orderID, "error", err)
	}

	selfDelivery := deliveryType == "self-delivery"
	newStatus := h.cfg.StatusConfirmed
	if selfDelivery {
		newStatus = h.cfg.StatusSelfPickupReady
	}

	if err := h.api.UpdateStatus(h.ctx, orderID, newStatus); err != nil {
		h.logger.Error("status update failed", "order_id", orderID, "status", newStatus, "error", err)
		h.countAction(action, "failed")
		return c.Send("❌ Не удалось обновить статус заказа")
	}

	h.logAction(orderID, c.Sender().ID, ledger.ActionConfirmed,
		fmt.Sprintf("Статус изменен: %s → %s", order.Status, newStatus))

	if selfDelivery {
		h.editMarkup(c, notify.PickedUpKeyboard(orderID))
	} else {
		h.editMarkup(c, &tele.ReplyMarkup{})
	}
	h.respondAlert(c, "✅ Заказ подтвержден! Статус: 'Передан в комплектацию'")
	h.countAction(action, "ok")
	h.logger.Info("order confirmed",
		"order_id", orderID, "admin_id", c.Sender().ID, "delivery_type", deliveryType)

	text := fmt.Sprintf("✅ <b>ЗАКАЗ #%s ПОДТВЕРЖДЕН</b>\n\n📸 Отправьте фото готового букета", order.Number)
	if !selfDelivery {
		text += "\n\n⏳ После этого измените статус в системе на '<b>Букет готов</b>'"
	}
	return c.Send(text, tele.ModeHTML)
}

func (h *Handlers) discussReplacement(c tele.Context, data string) error {
	const action = notify.ActionDiscussReplacement
	if h.limited(c, action, h.cfg.RateLimitConfirm) {
		return nil
	}
	orderID, err := ParsePayload(data, action)
	if err != nil {
		h.logger.Warn("bad callback payload", "data", data, "error", err)
		return h.respondAlert(c, "❌ Ошибка: неверный формат данных")
	}
	h.respond(c, "⏳ Переводим в статус 'Обсуждение замен'...")

	order, err := h.api.Order(h.ctx, orderID)
	if err != nil {
		h.countAction(action, "not_found")
		return c.Send("❌ Заказ не найден в системе")
	}

	if err := h.api.UpdateStatus(h.ctx, orderID, h.cfg.StatusNoProduct); err != nil {
		h.logger.Error("status update failed", "order_id", orderID, "error", err)
		h.countAction(action, "failed")
		return c.Send("❌ Не удалось обновить статус заказа")
	}

	if err := h.store.MarkInNoProduct(h.ctx, orderID); err != nil {
		h.logger.Error("mark in no product failed", "order_id", orderID, "error", err)
	}
	h.logAction(orderID, c.Sender().ID, ledger.ActionDiscussReplacement,
		fmt.Sprintf("Нет товара в наличии. Статус: %s → %s", order.Status, h.cfg.StatusNoProduct))

	h.editMarkup(c, &tele.ReplyMarkup{})
	h.respondAlert(c, "✅ Статус изменён на 'Обсуждение замен'")
	h.countAction(action, "ok")
	h.logger.Info("order moved to replacement discussion",
		"order_id", orderID, "admin_id", c.Sender().ID)

	return c.Send(fmt.Sprintf(
		"🔄 Заказ #%s требует обсуждения замен\n\n📋 Статус изменён: Обсуждение замен",
		order.Number), tele.ModeHTML)
}

func (h *Handlers) pickedUp(c tele.Context, data string) error {
	const action = notify.ActionPickedUp
	if h.limited(c, action, h.cfg.RateLimitButtonClicks) {
		return nil
	}
	orderID, err := ParsePayload(data, action)
	if err != nil {
		h.logger.Warn("bad callback payload", "data", data, "error", err)
		return h.respondAlert(c, "❌ Ошибка: неверный формат данных")
	}
	h.respond(c, "⏳ Обновляю статус...")

	order, err := h.api.Order(h.ctx, orderID)
	if err != nil {
		h.countAction(action, "not_found")
		return c.Send("❌ Заказ не найден в системе")
	}

	if err := h.api.UpdateStatus(h.ctx, orderID, h.cfg.StatusCompleted); err != nil {
		h.logger.Error("status update failed", "order_id", orderID, "error", err)
		h.countAction(action, "failed")
		return c.Send("❌ Не удалось обновить статус")
	}

	h.logAction(orderID, c.Sender().ID, ledger.ActionCompleted,
		fmt.Sprintf("Заказ выполнен (самовывоз). Статус: %s → %s", order.Status, h.cfg.StatusCompleted))

	h.editMarkup(c, &tele.ReplyMarkup{})
	h.respondAlert(c, "✅ Заказ выполнен!")
	h.countAction(action, "ok")
	h.logger.Info("self-pickup order completed", "order_id", orderID, "admin_id", c.Sender().ID)

	return c.Send(fmt.Sprintf(
		"✅ <b>ЗАКАЗ #%s ВЫПОЛНЕН</b>\n\n🧾 Отправьте фото чека", order.Number), tele.ModeHTML)
}

// pickedUpByCourier only records the hand-off. The courier flow keeps
// the order status unchanged until the CRM side completes it.
func (h *Handlers) pickedUpByCourier(c tele.Context, data string) error {
	const action = notify.ActionPickedUpByCourier
	if h.limited(c, action, h.cfg.RateLimitButtonClicks) {
		return nil
	}
	orderID, err := ParsePayload(data, action)
	if err != nil {
		h.logger.Warn("bad callback payload", "data", data, "error", err)
		return h.respondAlert(c, "❌ Ошибка: неверный формат данных")
	}
	h.respond(c, "✅ Принято!")

	order, err := h.api.Order(h.ctx, orderID)
	if err != nil {
		h.countAction(action, "not_found")
		return c.Send("❌ Заказ не найден в системе")
	}

	h.logAction(orderID, c.Sender().ID, ledger.ActionPickedUpByCourier,
		"Заказ передан курьеру (статус не изменён)")

	h.editMarkup(c, &tele.ReplyMarkup{})
	h.countAction(action, "ok")
	h.logger.Info("order handed to courier", "order_id", orderID, "admin_id", c.Sender().ID)

	return c.Send(fmt.Sprintf(
		"✅ <b>ЗАКАЗ #%s ПЕРЕДАН КУРЬЕРУ</b>\n\n🧾 Отправьте фото чека", order.Number), tele.ModeHTML)
}

func (h *Handlers) handleStart(c tele.Context) error {
	return c.Send(
		"🌸 Бот уведомлений о заказах\n\n"+
			"Доступные команды:\n"+
			"/stats — статистика всех администраторов\n"+
			"/my_stats — моя статистика за неделю\n"+
			"/order <номер> — информация о заказе\n"+
			"/statuses — справочник статусов\n"+
			"/chatid — ID текущего чата", tele.ModeHTML)
}

func (h *Handlers) handleChatID(c tele.Context) error {
	return c.Send(fmt.Sprintf(
		"Chat ID: <code>%d</code>\nUser ID: <code>%d</code>",
		c.Chat().ID, c.Sender().ID), tele.ModeHTML)
}

func (h *Handlers) handleStats(c tele.Context) error {
	all, err := h.store.StatsForAllAdmins(h.ctx, 7)
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		return c.Send("❌ Не удалось получить статистику")
	}
	if len(all) == 0 {
		return c.Send("📊 За последние 7 дней действий не было")
	}

	var sb strings.Builder
	sb.WriteString("📊 <b>Статистика за 7 дней</b>\n\n")
	for _, stats := range all {
		sb.WriteString(fmt.Sprintf("👤 <code>%d</code> — ✅ %d  ❌ %d  🏁 %d\n",
			stats.AdminID, stats.Confirmed, stats.Rejected, stats.Completed))
	}
	return c.Send(sb.String(), tele.ModeHTML)
}

func (h *Handlers) handleMyStats(c tele.Context) error {
	stats, err := h.store.StatsForAdmin(h.ctx, c.Sender().ID, 7)
	if err != nil {
		h.logger.Error("stats query failed", "admin_id", c.Sender().ID, "error", err)
		return c.Send("❌ Не удалось получить статистику")
	}
	return c.Send(fmt.Sprintf(
		"📊 <b>Ваша статистика за 7 дней</b>\n\n"+
			"✅ Подтверждено: %d\n"+
			"❌ Отклонено: %d\n"+
			"🏁 Выполнено: %d",
		stats.Confirmed, stats.Rejected, stats.Completed), tele.ModeHTML)
}

func (h *Handlers) handleOrderLookup(c tele.Context) error {
	number := strings.TrimSpace(c.Message().Payload)
	if number == "" {
		return c.Send("Использование: /order <номер заказа>")
	}

	order, err := h.api.OrderByNumber(h.ctx, number)
	if err != nil {
		h.logger.Warn("order lookup failed", "number", number, "error", err)
		return c.Send("❌ Заказ не найден в системе")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>ЗАКАЗ %s</b>\n\n", order.Number))
	sb.WriteString(fmt.Sprintf("Статус: <code>%s</code>\n", order.Status))
	sb.WriteString(fmt.Sprintf("Сумма: %s ₽\n", strconv.FormatFloat(order.TotalSum, 'f', -1, 64)))
	if order.ShipmentStore != "" {
		sb.WriteString(fmt.Sprintf("Склад: %s\n", order.ShipmentStore))
	}
	if order.Delivery.Date != "" {
		sb.WriteString(fmt.Sprintf("📅 Дата: %s\n", order.Delivery.Date))
	}

	actions, err := h.store.ActionsForOrder(h.ctx, order.ID)
	if err != nil {
		h.logger.Warn("order action history query failed", "order_id", order.ID, "error", err)
	} else if len(actions) > 0 {
		sb.WriteString("\n<b>История действий:</b>\n")
		for _, a := range actions {
			sb.WriteString(fmt.Sprintf("%s — %s (%d)\n", a.ActionTime.Format("02.01 15:04"), a.Action, a.AdminID))
		}
	}
	return c.Send(sb.String(), tele.ModeHTML)
}

func (h *Handlers) handleStatuses(c tele.Context) error {
	statuses, err := h.api.Statuses(h.ctx)
	if err != nil {
		h.logger.Error("statuses query failed", "error", err)
		return c.Send("❌ Не удалось получить справочник статусов")
	}

	var sb strings.Builder
	sb.WriteString("📋 <b>Статусы заказов</b>\n\n")
	for _, st := range statuses {
		if !st.Active {
			continue
		}
		sb.WriteString(fmt.Sprintf("<code>%s</code> — %s\n", st.Code, st.Name))
	}
	return c.Send(sb.String(), tele.ModeHTML)
}

// limited answers the callback with a wait alert when the admin is
// over the action budget.
func (h *Handlers) limited(c tele.Context, action string, limit int) bool {
	userID := strconv.FormatInt(c.Sender().ID, 10)
	isLimited, _ := h.limiter.Check(h.ctx, userID, action, limit, h.cfg.RateLimitWindow)
	if !isLimited {
		return false
	}

	waitSeconds := 0
	if wait, ok := h.limiter.TimeToReset(h.ctx, userID, action); ok {
		waitSeconds = int(wait.Seconds())
	}
	if h.metrics != nil {
		h.metrics.RateLimited.WithLabelValues(action).Inc()
	}
	h.logger.Warn("rate limit hit", "user_id", c.Sender().ID, "action", action, "wait_s", waitSeconds)
	h.respondAlert(c, fmt.Sprintf("⚠️ Слишком много действий!\nПодождите %d секунд.", waitSeconds))
	return true
}

func (h *Handlers) respond(c tele.Context, text string) {
	if err := c.Respond(&tele.CallbackResponse{Text: text}); err != nil {
		h.logger.Warn("callback respond failed", "error", err)
	}
}

func (h *Handlers) respondAlert(c tele.Context, text string) error {
	if err := c.Respond(&tele.CallbackResponse{Text: text, ShowAlert: true}); err != nil {
		h.logger.Warn("callback respond failed", "error", err)
	}
	return nil
}

// editMarkup replaces the inline keyboard under the callback message.
// An empty markup removes the buttons.
func (h *Handlers) editMarkup(c tele.Context, markup *tele.ReplyMarkup) {
	if err := c.Edit(markup); err != nil {
		h.logger.Warn("edit reply markup failed", "error", err)
	}
}

func (h *Handlers) countAction(action, outcome string) {
	if h.metrics != nil {
		h.metrics.CallbackActions.WithLabelValues(action, outcome).Inc()
	}
}

func (h *Handlers) logAction(orderID, adminID int64, action, comment string) {
	err := h.store.LogAction(h.ctx, ledger.OrderAction{
		OrderID: orderID,
		AdminID: adminID,
		Action:  action,
		Comment: comment,
	})
	if err != nil {
		h.logger.Error("log order action failed", "order_id", orderID, "error", err)
	}
}
