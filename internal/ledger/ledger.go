package ledger

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrBusy signals that the store could not acquire its write lock within the
// configured wait. Callers treat it as transient and retry on the next tick
// or user action.
var ErrBusy = errors.New("ledger busy")

// Admin action kinds recorded in the audit log.
const (
	ActionConfirmed          = "confirmed"
	ActionRejected           = "rejected"
	ActionCompleted          = "completed"
	ActionPickedUpByCourier  = "picked_up_by_courier"
	ActionDiscussReplacement = "discuss_replacement"
	ActionBouquetReady       = "bouquet_ready"
)

// Store is the sole reader and writer of persisted workflow state. Every
// mutating call commits before returning; the monitor tolerates partial
// progress between calls.
type Store interface {
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Processed orders
	IsProcessed(ctx context.Context, orderID int64) (bool, error)
	SaveProcessed(ctx context.Context, rec ProcessedOrder) error
	ProcessedOrder(ctx context.Context, orderID int64) (*ProcessedOrder, error)
	AllProcessed(ctx context.Context) ([]ProcessedOrder, error)
	DeliveryType(ctx context.Context, orderID int64) (string, error)

	// Replacement-discussion workflow flags
	MarkInNoProduct(ctx context.Context, orderID int64) error
	MarkReturnedFromNoProduct(ctx context.Context, orderID int64) error
	WasInNoProduct(ctx context.Context, orderID int64) (bool, error)
	IsReturnedFromNoProduct(ctx context.Context, orderID int64) (bool, error)
	ResetForRenotification(ctx context.Context, orderID int64) (bool, error)
	MarkBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error)
	IsBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error)

	// Audit log and per-admin statistics
	LogAction(ctx context.Context, rec OrderAction) error
	ActionsForOrder(ctx context.Context, orderID int64) ([]OrderAction, error)
	StatsForAdmin(ctx context.Context, adminID int64, days int) (*AdminStats, error)
	StatsForAllAdmins(ctx context.Context, days int) ([]AdminStats, error)

	// Monitoring audit
	LogMonitoringCheck(ctx context.Context, check MonitoringCheck) error
	MonitoringStats(ctx context.Context, hours int) (*MonitoringStats, error)

	// Error log
	LogError(ctx context.Context, errorType, message string, orderID int64) error
	RecentErrors(ctx context.Context, hours, limit int) ([]ErrorRecord, error)

	// Retention sweeps
	DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteChecksOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteErrorsOlderThan(ctx context.Context, age time.Duration) (int64, error)

	DatabaseStats(ctx context.Context) (map[string]int64, error)
}
