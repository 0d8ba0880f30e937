package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/ledger"
	"flowershop-bot/internal/metrics"
	"flowershop-bot/internal/notify"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v3"

	"log/slog"
)

const (
	// sweepEvery counts ticks between retention sweeps. At the default
	// minute interval this lands once a day.
	sweepEvery = 1440

	maxConsecutiveErrors = 5
	errorPause           = 5 * time.Minute

	orderRetention = 30 * 24 * time.Hour
	checkRetention = 7 * 24 * time.Hour
	errorRetention = 30 * 24 * time.Hour
)

// Gateway is the slice of the order API the monitor depends on.
type Gateway interface {
	OrdersWithStatus(ctx context.Context, status string) ([]crm.Order, error)
	Order(ctx context.Context, orderID int64) (*crm.Order, error)
	StoreName(ctx context.Context, code string) (string, error)
	ImagesForOrder(ctx context.Context, order crm.Order) ([]string, error)
	ReloadProductImages(ctx context.Context) (map[string]string, error)
	InvalidateStores()
	ClearCaches()
}

// Dispatcher delivers a formatted notification and reports how many
// chats received it.
type Dispatcher interface {
	Deliver(ctx context.Context, order crm.Order, message string, markup *tele.ReplyMarkup, imageURLs []string) int
}

// Options tune the polling loop.
type Options struct {
	Interval       time.Duration
	StatusTarget   string
	StatusReturned string
}

// Monitor polls the order API for orders entering the target status
// and pushes notifications through the dispatcher. One instance runs
// per process; Start and Stop are idempotent.
type Monitor struct {
	logger     *slog.Logger
	gateway    Gateway
	dispatcher Dispatcher
	store      ledger.Store
	metrics    *metrics.Metrics
	opts       Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	tickCount         int
	consecutiveErrors int
	lastRefreshDay    string

	now func() time.Time
}

// New builds a monitor. Interval defaults to one minute.
func New(gateway Gateway, dispatcher Dispatcher, store ledger.Store, opts Options, logger *slog.Logger, metrics *metrics.Metrics) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.StatusReturned == "" {
		opts.StatusReturned = opts.StatusTarget
	}
	return &Monitor{
		logger:     logger.With("component", "monitor"),
		gateway:    gateway,
		dispatcher: dispatcher,
		store:      store,
		metrics:    metrics,
		opts:       opts,
		now:        time.Now,
	}
}

// Start launches the polling loop. Calling Start on a running monitor
// logs a warning and does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Warn("monitor already running, start ignored")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx)
	m.logger.Info("monitor started",
		"interval", m.opts.Interval, "target_status", m.opts.StatusTarget)
}

// Stop halts the loop and waits for the current tick to finish.
// Stopping a stopped monitor logs a warning and does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.logger.Warn("monitor not running, stop ignored")
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.runTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runTick executes one monitoring cycle and applies the failure
// policy: isolated per-order errors never fail the tick, repeated
// whole-tick failures trip a cooldown pause.
func (m *Monitor) runTick(ctx context.Context) {
	tickID := uuid.NewString()
	logger := m.logger.With("tick_id", tickID)

	err := m.safeTick(ctx, logger)
	if err == nil {
		m.consecutiveErrors = 0
		m.countTick("ok")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	m.consecutiveErrors++
	m.countTick("error")
	logger.Error("monitoring tick failed", "error", err, "consecutive", m.consecutiveErrors)
	if logErr := m.store.LogError(ctx, "monitoring_check_failed", err.Error(), 0); logErr != nil {
		logger.Warn("write error log failed", "error", logErr)
	}

	if m.consecutiveErrors >= maxConsecutiveErrors {
		logger.Error("too many consecutive failures, pausing", "pause", errorPause)
		m.gateway.ClearCaches()
		m.consecutiveErrors = 0
		select {
		case <-ctx.Done():
		case <-time.After(errorPause):
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return m.tick(ctx, logger)
}

func (m *Monitor) tick(ctx context.Context, logger *slog.Logger) error {
	m.maybeRefreshCaches(ctx, logger)

	start := m.now()
	orders, err := m.gateway.OrdersWithStatus(ctx, m.opts.StatusTarget)
	apiSeconds := time.Since(start).Seconds()
	if err != nil {
		m.logCheck(ctx, logger, 0, 0, apiSeconds, err)
		return fmt.Errorf("list orders: %w", err)
	}

	returned := m.checkNoProductReturns(ctx, logger)
	orders = append(orders, returned...)

	notified := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := m.store.IsProcessed(ctx, order.ID)
		if err != nil {
			logger.Warn("processed lookup failed", "order_id", order.ID, "error", err)
			continue
		}
		if processed {
			continue
		}

		if err := m.processOrder(ctx, logger, order); err != nil {
			logger.Error("order processing failed", "order_id", order.ID, "error", err)
			if logErr := m.store.LogError(ctx, "order_processing_failed", err.Error(), order.ID); logErr != nil {
				logger.Warn("write error log failed", "error", logErr)
			}
			continue
		}
		notified++
	}

	m.logCheck(ctx, logger, len(orders), notified, apiSeconds, nil)
	if m.metrics != nil && notified > 0 {
		m.metrics.OrdersNotified.Add(float64(notified))
	}

	m.tickCount++
	if m.tickCount%sweepEvery == 0 {
		m.sweep(ctx, logger)
	}
	return nil
}

// checkNoProductReturns re-reads orders parked in the replacement
// discussion and returns those that came back, reset and ready for a
// fresh notification.
func (m *Monitor) checkNoProductReturns(ctx context.Context, logger *slog.Logger) []crm.Order {
	records, err := m.store.AllProcessed(ctx)
	if err != nil {
		logger.Warn("list processed orders failed", "error", err)
		return nil
	}

	var returned []crm.Order
	for _, rec := range records {
		if !rec.WasInNoProduct || rec.ReturnedFromNoProduct {
			continue
		}
		order, err := m.gateway.Order(ctx, rec.OrderID)
		if err != nil {
			logger.Warn("re-fetch no-product order failed", "order_id", rec.OrderID, "error", err)
			continue
		}
		if order.Status != m.opts.StatusReturned {
			continue
		}

		if err := m.store.MarkReturnedFromNoProduct(ctx, rec.OrderID); err != nil {
			logger.Warn("mark returned failed", "order_id", rec.OrderID, "error", err)
			continue
		}
		reset, err := m.store.ResetForRenotification(ctx, rec.OrderID)
		if err != nil || !reset {
			logger.Warn("reset for renotification failed", "order_id", rec.OrderID, "error", err)
			continue
		}
		logger.Info("order returned from replacement discussion",
			"order_id", rec.OrderID, "status", order.Status)
		if logErr := m.store.LogError(ctx, "order_returned_from_no_product",
			fmt.Sprintf("order returned to %s", m.opts.StatusReturned), rec.OrderID); logErr != nil {
			logger.Warn("write error log failed", "error", logErr)
		}
		returned = append(returned, *order)
	}
	return returned
}

func (m *Monitor) processOrder(ctx context.Context, logger *slog.Logger, order crm.Order) error {
	storeName := ""
	if order.ShipmentStore != "" {
		name, err := m.gateway.StoreName(ctx, order.ShipmentStore)
		if err != nil {
			logger.Warn("store name lookup failed", "order_id", order.ID, "error", err)
		} else {
			storeName = name
		}
	}

	images, err := m.gateway.ImagesForOrder(ctx, order)
	if err != nil {
		logger.Warn("product images unavailable", "order_id", order.ID, "error", err)
		images = nil
	}

	message := notify.OrderMessage(order, storeName)
	markup := notify.OrderKeyboard(order.ID)
	delivered := m.dispatcher.Deliver(ctx, order, message, markup, images)

	record := ledger.ProcessedOrder{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		Status:        order.Status,
		TotalSum:      order.TotalSum,
		CustomerName:  order.CustomerName(),
		WarehouseCode: order.ShipmentStore,
		DeliveryType:  order.Delivery.Code,
	}
	if err := m.store.SaveProcessed(ctx, record); err != nil {
		return fmt.Errorf("save processed: %w", err)
	}

	logger.Info("order processed",
		"order_id", order.ID, "number", order.Number, "delivered", delivered)
	return nil
}

// maybeRefreshCaches reloads reference data once per day, in the
// first hour after midnight.
func (m *Monitor) maybeRefreshCaches(ctx context.Context, logger *slog.Logger) {
	now := m.now()
	day := now.Format("2006-01-02")
	if m.lastRefreshDay == "" {
		m.lastRefreshDay = day
		return
	}
	if day == m.lastRefreshDay || now.Hour() != 0 {
		return
	}

	logger.Info("daily reference refresh")
	m.gateway.InvalidateStores()
	if _, err := m.gateway.ReloadProductImages(ctx); err != nil {
		logger.Warn("product catalog refresh failed", "error", err)
	}
	m.lastRefreshDay = day
}

func (m *Monitor) sweep(ctx context.Context, logger *slog.Logger) {
	orders, err := m.store.DeleteProcessedOlderThan(ctx, orderRetention)
	if err != nil {
		logger.Warn("processed order sweep failed", "error", err)
	}
	checks, err := m.store.DeleteChecksOlderThan(ctx, checkRetention)
	if err != nil {
		logger.Warn("monitoring check sweep failed", "error", err)
	}
	errs, err := m.store.DeleteErrorsOlderThan(ctx, errorRetention)
	if err != nil {
		logger.Warn("error log sweep failed", "error", err)
	}
	logger.Info("retention sweep done", "orders", orders, "checks", checks, "errors", errs)
}

func (m *Monitor) logCheck(ctx context.Context, logger *slog.Logger, found, notified int, apiSeconds float64, tickErr error) {
	check := ledger.MonitoringCheck{
		OrdersFound:     found,
		OrdersNotified:  notified,
		APIResponseTime: apiSeconds,
		Success:         tickErr == nil,
	}
	if tickErr != nil {
		check.ErrorMessage = tickErr.Error()
	}
	if err := m.store.LogMonitoringCheck(ctx, check); err != nil {
		logger.Warn("write monitoring check failed", "error", err)
	}
}

func (m *Monitor) countTick(outcome string) {
	if m.metrics != nil {
		m.metrics.MonitorTicks.WithLabelValues(outcome).Inc()
	}
}
