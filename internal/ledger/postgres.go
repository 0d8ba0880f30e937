package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the optional shared-database backend, selected when a
// DATABASE_URL is configured. Behavior is identical to SQLiteStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a connection pool to the ledger database.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "ledger_postgres"),
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the postgres schema files in lexicographical order.
func (s *PostgresStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, "postgres")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sqlBytes, err := fs.ReadFile(filesystem, "postgres/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if len(sqlBytes) == 0 {
			continue
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, string(sqlBytes))
			return err
		})
		if err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func classifyPGErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "lock timeout") || strings.Contains(err.Error(), "deadlock") {
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// -- Processed orders --

func (s *PostgresStore) IsProcessed(ctx context.Context, orderID int64) (bool, error) {
	const q = `SELECT COUNT(*) FROM processed_orders WHERE order_id = $1;`
	var count int
	if err := s.pool.QueryRow(ctx, q, orderID).Scan(&count); err != nil {
		return false, classifyPGErr("is processed", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) SaveProcessed(ctx context.Context, rec ProcessedOrder) error {
	notifiedAt := rec.NotifiedAt
	if notifiedAt.IsZero() {
		notifiedAt = time.Now()
	}

	const q = `
INSERT INTO processed_orders
    (order_id, order_number, status, total_sum, customer_name, warehouse_code, delivery_type,
     was_in_no_product, returned_from_no_product, bouquet_ready_notified, notified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE, FALSE, $8)
ON CONFLICT (order_id) DO UPDATE SET
    order_number = EXCLUDED.order_number,
    status = EXCLUDED.status,
    total_sum = EXCLUDED.total_sum,
    customer_name = EXCLUDED.customer_name,
    warehouse_code = EXCLUDED.warehouse_code,
    delivery_type = EXCLUDED.delivery_type,
    updated_at = NOW(),
    notified_at = EXCLUDED.notified_at;
`
	_, err := s.pool.Exec(ctx, q,
		rec.OrderID,
		rec.OrderNumber,
		rec.Status,
		rec.TotalSum,
		rec.CustomerName,
		rec.WarehouseCode,
		rec.DeliveryType,
		notifiedAt,
	)
	if err != nil {
		return classifyPGErr("save processed order", err)
	}
	s.logger.Info("order saved as processed", "order_id", rec.OrderID, "order_number", rec.OrderNumber)
	return nil
}

func (s *PostgresStore) ProcessedOrder(ctx context.Context, orderID int64) (*ProcessedOrder, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders WHERE order_id = $1 LIMIT 1;`, processedColumns)
	rec, err := scanProcessedPG(s.pool.QueryRow(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyPGErr("get processed order", err)
	}
	return rec, nil
}

func (s *PostgresStore) AllProcessed(ctx context.Context) ([]ProcessedOrder, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders ORDER BY created_at DESC;`, processedColumns)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, classifyPGErr("list processed orders", err)
	}
	defer rows.Close()

	var records []ProcessedOrder
	for rows.Next() {
		rec, err := scanProcessedPG(rows)
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

func (s *PostgresStore) DeliveryType(ctx context.Context, orderID int64) (string, error) {
	const q = `SELECT COALESCE(delivery_type, '') FROM processed_orders WHERE order_id = $1 LIMIT 1;`
	var deliveryType string
	if err := s.pool.QueryRow(ctx, q, orderID).Scan(&deliveryType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", classifyPGErr("get delivery type", err)
	}
	return deliveryType, nil
}

func scanProcessedPG(row pgx.Row) (*ProcessedOrder, error) {
	var rec ProcessedOrder
	var totalSum *float64
	var customerName, warehouseCode, deliveryType *string

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
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.NotifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if totalSum != nil {
		rec.TotalSum = *totalSum
	}
	if customerName != nil {
		rec.CustomerName = *customerName
	}
	if warehouseCode != nil {
		rec.WarehouseCode = *warehouseCode
	}
	if deliveryType != nil {
		rec.DeliveryType = *deliveryType
	}
	return &rec, nil
}

// -- Replacement-discussion workflow flags --

func (s *PostgresStore) MarkInNoProduct(ctx context.Context, orderID int64) error {
	return s.setFlag(ctx, orderID, "was_in_no_product")
}

func (s *PostgresStore) MarkReturnedFromNoProduct(ctx context.Context, orderID int64) error {
	return s.setFlag(ctx, orderID, "returned_from_no_product")
}

func (s *PostgresStore) setFlag(ctx context.Context, orderID int64, column string) error {
	q := fmt.Sprintf(`UPDATE processed_orders SET %s = TRUE, updated_at = NOW() WHERE order_id = $1;`, column)
	ct, err := s.pool.Exec(ctx, q, orderID)
	if err != nil {
		return classifyPGErr("set "+column, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set %s: order %d not in ledger", column, orderID)
	}
	return nil
}

func (s *PostgresStore) WasInNoProduct(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "was_in_no_product")
}

func (s *PostgresStore) IsReturnedFromNoProduct(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "returned_from_no_product")
}

func (s *PostgresStore) IsBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error) {
	return s.readFlag(ctx, orderID, "bouquet_ready_notified")
}

func (s *PostgresStore) readFlag(ctx context.Context, orderID int64, column string) (bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM processed_orders WHERE order_id = $1 LIMIT 1;`, column)
	var flag bool
	if err := s.pool.QueryRow(ctx, q, orderID).Scan(&flag); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, classifyPGErr("read "+column, err)
	}
	return flag, nil
}

func (s *PostgresStore) ResetForRenotification(ctx context.Context, orderID int64) (bool, error) {
	wasInNoProduct, err := s.WasInNoProduct(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !wasInNoProduct {
		s.logger.Warn("refusing renotification reset, order never left the workflow", "order_id", orderID)
		return false, nil
	}

	ct, err := s.pool.Exec(ctx, `DELETE FROM processed_orders WHERE order_id = $1;`, orderID)
	if err != nil {
		return false, classifyPGErr("reset for renotification", err)
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	s.logger.Info("order reset for renotification", "order_id", orderID)
	return true, nil
}

func (s *PostgresStore) MarkBouquetReadyNotified(ctx context.Context, orderID int64) (bool, error) {
	const q = `UPDATE processed_orders SET bouquet_ready_notified = TRUE, updated_at = NOW() WHERE order_id = $1;`
	ct, err := s.pool.Exec(ctx, q, orderID)
	if err != nil {
		return false, classifyPGErr("mark bouquet ready notified", err)
	}
	return ct.RowsAffected() > 0, nil
}

// -- Audit log and per-admin statistics --

func (s *PostgresStore) LogAction(ctx context.Context, rec OrderAction) error {
	actionTime := rec.ActionTime
	if actionTime.IsZero() {
		actionTime = time.Now()
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

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertQ = `
INSERT INTO order_actions (order_id, admin_id, action, comment, action_time)
VALUES ($1, $2, $3, $4, $5);
`
		if _, err := tx.Exec(ctx, insertQ, rec.OrderID, rec.AdminID, rec.Action, rec.Comment, actionTime); err != nil {
			return fmt.Errorf("insert order action: %w", err)
		}

		const statsQ = `
INSERT INTO admin_stats (admin_id, date, confirmed_count, rejected_count, completed_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (admin_id, date) DO UPDATE SET
    confirmed_count = admin_stats.confirmed_count + EXCLUDED.confirmed_count,
    rejected_count = admin_stats.rejected_count + EXCLUDED.rejected_count,
    completed_count = admin_stats.completed_count + EXCLUDED.completed_count;
`
		day := actionTime.UTC().Format("2006-01-02")
		if _, err := tx.Exec(ctx, statsQ, rec.AdminID, day, confirmed, rejected, completed); err != nil {
			return fmt.Errorf("update admin stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return classifyPGErr("log action", err)
	}
	s.logger.Info("admin action logged", "order_id", rec.OrderID, "admin_id", rec.AdminID, "action", rec.Action)
	return nil
}

func (s *PostgresStore) ActionsForOrder(ctx context.Context, orderID int64) ([]OrderAction, error) {
	const q = `
SELECT order_id, admin_id, action, COALESCE(comment, ''), action_time
FROM order_actions
WHERE order_id = $1
ORDER BY action_time DESC;
`
	rows, err := s.pool.Query(ctx, q, orderID)
	if err != nil {
		return nil, classifyPGErr("list order actions", err)
	}
	defer rows.Close()

	var actions []OrderAction
	for rows.Next() {
		var a OrderAction
		if err := rows.Scan(&a.OrderID, &a.AdminID, &a.Action, &a.Comment, &a.ActionTime); err != nil {
			return nil, fmt.Errorf("scan order action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order actions: %w", err)
	}
	return actions, nil
}

func (s *PostgresStore) StatsForAdmin(ctx context.Context, adminID int64, days int) (*AdminStats, error) {
	const q = `
SELECT
    COALESCE(SUM(confirmed_count), 0),
    COALESCE(SUM(rejected_count), 0),
    COALESCE(SUM(completed_count), 0)
FROM admin_stats
WHERE admin_id = $1 AND date >= $2;
`
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	stats := &AdminStats{AdminID: adminID}
	if err := s.pool.QueryRow(ctx, q, adminID, since).Scan(&stats.Confirmed, &stats.Rejected, &stats.Completed); err != nil {
		return nil, classifyPGErr("admin stats", err)
	}
	stats.Total = stats.Confirmed + stats.Rejected
	return stats, nil
}

func (s *PostgresStore) StatsForAllAdmins(ctx context.Context, days int) ([]AdminStats, error) {
	const q = `
SELECT
    admin_id,
    COALESCE(SUM(confirmed_count), 0),
    COALESCE(SUM(rejected_count), 0),
    COALESCE(SUM(completed_count), 0)
FROM admin_stats
WHERE date >= $1
GROUP BY admin_id
ORDER BY (SUM(confirmed_count) + SUM(rejected_count)) DESC;
`
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, classifyPGErr("all admin stats", err)
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

func (s *PostgresStore) LogMonitoringCheck(ctx context.Context, check MonitoringCheck) error {
	const q = `
INSERT INTO monitoring_checks (orders_found, orders_notified, api_response_time, success, error_message)
VALUES ($1, $2, $3, $4, NULLIF($5, ''));
`
	_, err := s.pool.Exec(ctx, q,
		check.OrdersFound,
		check.OrdersNotified,
		check.APIResponseTime,
		check.Success,
		check.ErrorMessage,
	)
	if err != nil {
		return classifyPGErr("log monitoring check", err)
	}
	return nil
}

func (s *PostgresStore) MonitoringStats(ctx context.Context, hours int) (*MonitoringStats, error) {
	const q = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(orders_found), 0),
    COALESCE(SUM(orders_notified), 0),
    COALESCE(AVG(api_response_time), 0),
    COALESCE(MAX(api_response_time), 0)
FROM monitoring_checks
WHERE check_time >= $1;
`
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	stats := &MonitoringStats{PeriodHours: hours}
	err := s.pool.QueryRow(ctx, q, since).Scan(
		&stats.TotalChecks,
		&stats.SuccessfulChecks,
		&stats.OrdersFound,
		&stats.OrdersNotified,
		&stats.AvgResponseTime,
		&stats.MaxResponseTime,
	)
	if err != nil {
		return nil, classifyPGErr("monitoring stats", err)
	}
	stats.FailedChecks = stats.TotalChecks - stats.SuccessfulChecks
	return stats, nil
}

// -- Error log --

func (s *PostgresStore) LogError(ctx context.Context, errorType, message string, orderID int64) error {
	const q = `
INSERT INTO error_log (error_type, error_message, order_id)
VALUES ($1, $2, NULLIF($3, 0));
`
	if _, err := s.pool.Exec(ctx, q, errorType, message, orderID); err != nil {
		return classifyPGErr("log error", err)
	}
	return nil
}

func (s *PostgresStore) RecentErrors(ctx context.Context, hours, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT error_type, COALESCE(error_message, ''), COALESCE(order_id, 0), timestamp
FROM error_log
WHERE timestamp >= $1
ORDER BY timestamp DESC
LIMIT $2;
`
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, classifyPGErr("recent errors", err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		if err := rows.Scan(&rec.Type, &rec.Message, &rec.OrderID, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return records, nil
}

// -- Retention sweeps --

func (s *PostgresStore) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "processed_orders", "notified_at", age)
}

func (s *PostgresStore) DeleteChecksOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "monitoring_checks", "check_time", age)
}

func (s *PostgresStore) DeleteErrorsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, "error_log", "timestamp", age)
}

func (s *PostgresStore) deleteOlderThan(ctx context.Context, table, column string, age time.Duration) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1;`, table, column)
	ct, err := s.pool.Exec(ctx, q, time.Now().Add(-age))
	if err != nil {
		return 0, classifyPGErr("sweep "+table, err)
	}
	deleted := ct.RowsAffected()
	if deleted > 0 {
		s.logger.Info("retention sweep", "table", table, "deleted", deleted)
	}
	return deleted, nil
}

func (s *PostgresStore) DatabaseStats(ctx context.Context) (map[string]int64, error) {
	tables := []string{"processed_orders", "order_actions", "admin_stats", "monitoring_checks", "error_log"}
	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, table)).Scan(&count); err != nil {
			return nil, classifyPGErr("count "+table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
