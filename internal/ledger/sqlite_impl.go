package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Processed orders --

func (s *SQLiteStore) IsProcessed(ctx context.Context, orderID int64) (bool, error) {
	const q = `SELECT COUNT(*) FROM processed_orders WHERE order_id = ?;`
	var count int
	if err := s.db.QueryRowContext(ctx, q, orderID).Scan(&count); err != nil {
		return false, classifyErr("is processed", err)
	}
	return count > 0, nil
}

// SaveProcessed upserts the processed-order row. Mutable fields are
// overwritten on conflict, but the no-product flags are only zeroed on first
// insert; an update never clears workflow history.
func (s *SQLiteStore) SaveProcessed(ctx context.Context, rec ProcessedOrder) error {
	notifiedAt := rec.NotifiedAt
	if notifiedAt.IsZero() {
		notifiedAt = time.Now()
	}

	const q = `
INSERT INTO processed_orders
    (order_id, order_number, status, total_sum, customer_name, warehouse_code, delivery_type,
     was_in_no_product, returned_from_no_product, bouquet_ready_notified,
     created_at, updated_at, notified_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
ON CONFLICT (order_id) DO UPDATE SET
    order_number = excluded.order_number,
    status = excluded.status,
    total_sum = excluded.total_sum,
    customer_name = excluded.customer_name,
    warehouse_code = excluded.warehouse_code,
    delivery_type = excluded.delivery_type,
    updated_at = excluded.updated_at,
    notified_at = excluded.notified_at;
`
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, q,
		rec.OrderID,
		rec.OrderNumber,
		rec.Status,
		rec.TotalSum,
		rec.CustomerName,
		rec.WarehouseCode,
		rec.DeliveryType,
		now,
		now,
		formatTime(notifiedAt),
	)
	if err != nil {
		return classifyErr("save processed order", err)
	}
	s.logger.Info("order saved as processed", "order_id", rec.OrderID, "order_number", rec.OrderNumber)
	return nil
}

const processedColumns = `order_id, order_number, status, total_sum, customer_name, warehouse_code,
    delivery_type, was_in_no_product, returned_from_no_product, bouquet_ready_notified,
    created_at, updated_at, notified_at`

func (s *SQLiteStore) ProcessedOrder(ctx context.Context, orderID int64) (*ProcessedOrder, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders WHERE order_id = ? LIMIT 1;`, processedColumns)
	rec, err := scanProcessed(s.db.QueryRowContext(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyErr("get processed order", err)
	}
	return rec, nil
}

func (s *SQLiteStore) AllProcessed(ctx context.Context) ([]ProcessedOrder, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders ORDER BY created_at DESC;`, processedColumns)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classifyErr("list processed orders", err)
	}
	defer rows.Close()

	var records []ProcessedOrder
	for rows.Next() {
		rec, err := scanProcessed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processed order: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed orders: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) DeliveryType(ctx context.Context, orderID int64) (string, error) {
	const q = `SELECT delivery_type FROM processed_orders WHERE order_id = ? LIMIT 1;`
	var deliveryType sql.NullString
	if err := s.db.QueryRowContext(ctx, q, orderID).Scan(&deliveryType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", classifyErr("get delivery type", err)
	}
	return deliveryType.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcessed(row rowScanner) (*ProcessedOrder, error) {
	var rec ProcessedOrder
	var totalSum sql.NullFloat64
	var customerName, warehouseCode, deliveryType sql.NullString
	var createdAt, updatedAt, notifiedAt string

	err := row.Scan(
		&rec.OrderID,
		&rec.OrderNumber,
		&rec.Status,
		&totalSum,
		&customerName,
		&warehouseCode,
		&deliveryType,
		&rec.WasInNoProduct,
		&rec.ReturnedFromNoProduct,
		&rec.BouquetReadyNotified,
		&createdAt,
		&updatedAt,
		&notifiedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TotalSum = totalSum.Float64
	rec.CustomerName = customerName.String
	rec.WarehouseCode = warehouseCode.String
	rec.DeliveryType = deliveryType.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.NotifiedAt = parseTime(notifiedAt)
	return &rec, nil
}

// -- Replacement-discussion workflow flags --

func (s *SQLiteStore) MarkInNoProduct(ctx context.Context, orderID int64) error {
	return s.setFlag(ctx, orderID, "was_in_no_product")
}

func (s *SQLiteStore) MarkReturnedFromNoProduct(ctx context.Context, orderID int64) error {
	return s.setFlag(ctx, orderID, "returned_from_no_product")
}

func (s *SQLiteStore) setFlag(ctx context.Context, orderID int64, column string) error {
	q := fmt.Sprintf(`UPDATE processed_orders SET %s = 1, updated_at = ? WHERE order_id = ?;`, column)
	res, err := s.db.ExecContext(ctx, q, formatTime(time.Now()), orderID)
	if err != nil {
		return classifyErr("set "+column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set %s: order %d not in ledger", column, orderID)
	}
	return nil
}

func (s *SQLiteStore) WasInNoProduct(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "was_in_no_product")
}

func (s *SQLiteStore) IsReturnedFromNoProduct(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "returned_from_no_product")
}

func (s *SQLiteStore) IsBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "bouquet_ready_notified")
}

func (s *SQLiteStore) readFlag(ctx context.Context, orderID int64, column string) (bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders WHERE order_id = ? LIMIT 1;`, column)
	var flag bool
	if err := s.db.QueryRowContext(ctx, q, orderID).Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, classifyErr("read "+column, err)
	}
	return flag, nil
}

// ResetForRenotification deletes the processed-order row so the order becomes
// eligible for re-notification. Only permitted for orders that went through
// the replacement-discussion status; returns false otherwise.
func (s *SQLiteStore) ResetForRenotification(ctx context.Context, orderID int64) (bool, error) {
	wasInNoProduct, err := s.WasInNoProduct(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !wasInNoProduct {
		s.logger.Warn("refusing renotification reset, order never left the workflow", "order_id", orderID)
		return false, nil
	}

	const q = `DELETE FROM processed_orders WHERE order_id = ?;`
	res, err := s.db.ExecContext(ctx, q, orderID)
	if err != nil {
		return false, classifyErr("reset for renotification", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.logger.Info("order reset for renotification", "order_id", orderID)
	return true, nil
}

func (s *SQLiteStore) MarkBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error) {
	const q = `UPDATE processed_orders SET bouquet_ready_notified = 1, updated_at = ? WHERE order_id = ?;`
	res, err := s.db.ExecContext(ctx, q, formatTime(time.Now()), orderID)
	if err != nil {
		return false, classifyErr("mark bouquet ready notified", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// -- Audit log and per-admin statistics --

// LogAction appends to the audit log and applies the matching daily counter
// increment in the same transaction.
func (s *SQLiteStore) LogAction(ctx context.Context, rec OrderAction) error {
	actionTime := rec.ActionTime
	if actionTime.IsZero() {
		actionTime = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("begin log action", err)
	}
	defer tx.Rollback()

	const insertQ = `
INSERT INTO order_actions (order_id, admin_id, action, comment, action_time)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, insertQ, rec.OrderID, rec.AdminID, rec.Action, rec.Comment, formatTime(actionTime)); err != nil {
		return classifyErr("insert order action", err)
	}

	confirmed, rejected, completed := 0, 0, 0
	switch rec.Action {
	case ActionConfirmed:
		confirmed = 1
	case ActionRejected:
		rejected = 1
	case ActionCompleted:
		completed = 1
	}

	const statsQ = `
INSERT INTO admin_stats (admin_id, date, confirmed_count, rejected_count, completed_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (admin_id, date) DO UPDATE SET
    confirmed_count = admin_stats.confirmed_count + excluded.confirmed_count,
    rejected_count = admin_stats.rejected_count + excluded.rejected_count,
    completed_count = admin_stats.completed_count + excluded.completed_count;
`
	day := actionTime.UTC().Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, statsQ, rec.AdminID, day, confirmed, rejected, completed); err != nil {
		return classifyErr("update admin stats", err)
	}

	if err := tx.Commit(); err != nil {
		return classifyErr("commit log action", err)
	}
	s.logger.Info("admin action logged", "order_id", rec.OrderID, "admin_id", rec.AdminID, "action", rec.Action)
	return nil
}

func (s *SQLiteStore) ActionsForOrder(ctx context.Context, orderID int64) ([]OrderAction, error) {
	const q = `
SELECT order_id, admin_id, action, comment, action_time
FROM order_actions
WHERE order_id = ?
ORDER BY action_time DESC;
`
	rows, err := s.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, classifyErr("list order actions", err)
	}
	defer rows.Close()

	var actions []OrderAction
	for rows.Next() {
		var a OrderAction
		var comment sql.NullString
		var actionTime string
		if err := rows.Scan(&a.OrderID, &a.AdminID, &a.Action, &comment, &actionTime); err != nil {
			return nil, fmt.Errorf("scan order action: %w", err)
		}
		a.Comment = comment.String
		a.ActionTime = parseTime(actionTime)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order actions: %w", err)
	}
	return actions, nil
}

func (s *SQLiteStore) StatsForAdmin(ctx context.Context, adminID int64, days int) (*AdminStats, error) {
	const q = `
SELECT
    COALESCE(SUM(confirmed_count), 0),
    COALESCE(SUM(rejected_count), 0),
    COALESCE(SUM(completed_count), 0)
FROM admin_stats
WHERE admin_id = ? AND date >= ?;
`
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	stats := &AdminStats{AdminID: adminID}
	if err := s.db.QueryRowContext(ctx, q, adminID, since).Scan(&stats.Confirmed, &stats.Rejected, &stats.Completed); err != nil {
		return nil, classifyErr("admin stats", err)
	}
	stats.Total = stats.Confirmed + stats.Rejected
	return stats, nil
}

func (s *SQLiteStore) StatsForAllAdmins(ctx context.Context, days int) ([]AdminStats, error) {
	const q = `
SELECT
    admin_id,
    COALESCE(SUM(confirmed_count), 0),
    COALESCE(SUM(rejected_count), 0),
    COALESCE(SUM(completed_count), 0)
FROM admin_stats
WHERE date >= ?
GROUP BY admin_id
ORDER BY (SUM(confirmed_count) + SUM(rejected_count)) DESC;
`
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, classifyErr("all admin stats", err)
	}
	defer rows.Close()

	var result []AdminStats
	for rows.Next() {
		var stats AdminStats
		if err := rows.Scan(&stats.AdminID, &stats.Confirmed, &stats.Rejected, &stats.Completed); err != nil {
			return nil, fmt.Errorf("scan admin stats: %w", err)
		}
		stats.Total = stats.Confirmed + stats.Rejected
		result = append(result, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin stats: %w", err)
	}
	return result, nil
}

// -- Monitoring audit --

func (s *SQLiteStore) LogMonitoringCheck(ctx context.Context, check MonitoringCheck) error {
	const q = `
INSERT INTO monitoring_checks (check_time, orders_found, orders_notified, api_response_time, success, error_message)
VALUES (?, ?, ?, ?, ?, ?);
`
	var errMsg sql.NullString
	if check.ErrorMessage != "" {
		errMsg = sql.NullString{String: check.ErrorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, q,
		formatTime(time.Now()),
		check.OrdersFound,
		check.OrdersNotified,
		check.APIResponseTime,
		check.Success,
		errMsg,
	)
	if err != nil {
		return classifyErr("log monitoring check", err)
	}
	return nil
}

func (s *SQLiteStore) MonitoringStats(ctx context.Context, hours int) (*MonitoringStats, error) {
	const q = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(orders_found), 0),
    COALESCE(SUM(orders_notified), 0),
    COALESCE(AVG(api_response_time), 0),
    COALESCE(MAX(api_response_time), 0)
FROM monitoring_checks
WHERE check_time >= ?;
`
	since := formatTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	stats := &MonitoringStats{PeriodHours: hours}
	err := s.db.QueryRowContext(ctx, q, since).Scan(
		&stats.TotalChecks,
		&stats.SuccessfulChecks,
		&stats.OrdersFound,
		&stats.OrdersNotified,
		&stats.AvgResponseTime,
		&stats.MaxResponseTime,
	)
	if err != nil {
		return nil, classifyErr("monitoring stats", err)
	}
	stats.FailedChecks = stats.TotalChecks - stats.SuccessfulChecks
	return stats, nil
}

// -- Error log --

func (s *SQLiteStore) LogError(ctx context.Context, errorType, message string, orderID int64) error {
	const q = `
INSERT INTO error_log (error_type, error_message, order_id, timestamp)
VALUES (?, ?, ?, ?);
`
	var orderParam sql.NullInt64
	if orderID != 0 {
		orderParam = sql.NullInt64{Int64: orderID, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, q, errorType, message, orderParam, formatTime(time.Now())); err != nil {
		return classifyErr("log error", err)
	}
	return nil
}

func (s *SQLiteStore) RecentErrors(ctx context.Context, hours, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT error_type, error_message, order_id, timestamp
FROM error_log
WHERE timestamp >= ?
ORDER BY timestamp DESC
LIMIT ?;
`
	since := formatTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	rows, err := s.db.QueryContext(ctx, q, since, limit)
	if err != nil {
		return nil, classifyErr("recent errors", err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var message sql.NullString
		var orderID sql.NullInt64
		var ts string
		if err := rows.Scan(&rec.Type, &message, &orderID, &ts); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Message = message.String
		rec.OrderID = orderID.Int64
		rec.Timestamp = parseTime(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return records, nil
}

// -- Retention sweeps --

func (s *SQLiteStore) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "processed_orders", "notified_at", age)
}

func (s *SQLiteStore) DeleteChecksOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "monitoring_checks", "check_time", age)
}

func (s *SQLiteStore) DeleteErrorsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "error_log", "timestamp", age)
}

func (s *SQLiteStore) deleteOlderThan(ctx context.Context, table, column string, age time.Duration) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, table, column)
	cutoff := formatTime(time.Now().Add(-age))
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, classifyErr("sweep "+table, err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Info("retention sweep", "table", table, "deleted", deleted)
	}
	return deleted, nil
}

func (s *SQLiteStore) DatabaseStats(ctx context.Context) (map[string]int64, error) {
	tables := []string{"processed_orders", "order_actions", "admin_stats", "monitoring_checks", "error_log"}
	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, table)
		if err := s.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
			return nil, classifyErr("count "+table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
