package ledger

import "time"

// ProcessedOrder is one row of the processed-orders table: an order for
// which a notification has been dispatched.
type ProcessedOrder struct {
	OrderID       int64
	OrderNumber   string
	Status        string
	TotalSum      float64
	CustomerName  string
	WarehouseCode string
	DeliveryType  string

	// WasInNoProduct is set once the order is observed entering the
	// replacement-discussion status. ReturnedFromNoProduct is set the first
	// time it leaves that status back into the normal workflow and guards
	// against duplicate re-notification.
	WasInNoProduct        bool
	ReturnedFromNoProduct bool
	BouquetReadyNotified  bool

	CreatedAt  time.Time
	UpdatedAt  time.Time
	NotifiedAt time.Time
}

// OrderAction is one append-only audit log entry.
type OrderAction struct {
	OrderID    int64
	AdminID    int64
	Action     string
	Comment    string
	ActionTime time.Time
}

// AdminStats aggregates one admin's action counters over a period.
type AdminStats struct {
	AdminID   int64
	Confirmed int
	Rejected  int
	Completed int
	Total     int
}

// MonitoringCheck summarizes one poll cycle.
type MonitoringCheck struct {
	OrdersFound     int
	OrdersNotified  int
	APIResponseTime float64
	Success         bool
	ErrorMessage    string
}

// MonitoringStats aggregates poll-cycle records over a period.
type MonitoringStats struct {
	PeriodHours      int
	TotalChecks      int
	SuccessfulChecks int
	FailedChecks     int
	OrdersFound      int
	OrdersNotified   int
	AvgResponseTime  float64
	MaxResponseTime  float64
}

// ErrorRecord is one row of the error log. OrderID is zero when the error is
// not tied to a specific order.
type ErrorRecord struct {
	Type      string
	Message   string
	OrderID   int64
	Timestamp time.Time
}
