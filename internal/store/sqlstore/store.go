// Package sqlstore is a MySQL-backed store.Store built on gorm. Row locks
// are InnoDB locks taken with SELECT ... FOR UPDATE.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

// Config controls the connection pool and lock wait.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LockWait        time.Duration
}

// Store implements store.Store on a gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to MySQL and applies pool settings. The DSN is forced to
// parse times in UTC, and LockWait becomes the session
// innodb_lock_wait_timeout (whole seconds, minimum 1).
func Open(cfg Config) (*Store, error) {
	dsn, err := prepareDSN(cfg.DSN, cfg.LockWait)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connection pool: %w", err)
	}
	maxIdle, maxOpen, lifetime := cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.ConnMaxLifetime
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if maxOpen <= 0 {
		maxOpen = 100
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	return New(db), nil
}

func prepareDSN(dsn string, lockWait time.Duration) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("sqlstore: parse dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	if lockWait > 0 {
		secs := int(lockWait / time.Second)
		if secs < 1 {
			secs = 1
		}
		if mc.Params == nil {
			mc.Params = map[string]string{}
		}
		mc.Params["innodb_lock_wait_timeout"] = strconv.Itoa(secs)
	}
	return mc.FormatDSN(), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&accountRow{}, &holdingRow{}, &bookRow{}, &orderRow{}, &tradeRow{}, &notificationRow{},
	)
}

// Atomic runs fn inside a database transaction.
func (s *Store) Atomic(ctx context.Context, fn store.TxFunc) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(ctx, &tx{db: db, now: s.now})
	})
	return classify(err)
}

func (s *Store) CreateAccount(ctx context.Context, a *domain.Account, holdings []domain.Holding) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		row := accountRow{Balance: a.Balance, CreatedAt: now, UpdatedAt: now}
		if err := db.Create(&row).Error; err != nil {
			return err
		}
		a.ID, a.CreatedAt, a.UpdatedAt = row.ID, now, now
		for _, h := range holdings {
			hr := holdingRow{
				AccountID:    row.ID,
				Symbol:       h.Symbol,
				Amount:       h.Amount,
				LockedAmount: h.LockedAmount,
				UpdatedAt:    now,
			}
			if err := db.Create(&hr).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: create account: %w", classify(err))
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListHoldings(ctx context.Context, accountID int64) ([]domain.Holding, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	var rows []holdingRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Holding, 0, len(rows))
	for i := range rows {
		result = append(result, *rows[i].toDomain())
	}
	return result, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var row orderRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListOrders(ctx context.Context, f store.OrderFilter) ([]*domain.Order, int, error) {
	q := s.db.WithContext(ctx).Model(&orderRow{})
	if f.AccountID != 0 {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Offset((page - 1) * f.Limit).Limit(f.Limit)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	result := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, int(total), nil
}

func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*domain.Trade, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]*store.Notification, error) {
	q := s.db.WithContext(ctx).
		Where("delivered_at IS NULL AND failed_at IS NULL").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []notificationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*store.Notification, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

func (s *Store) MarkNotificationDelivered(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":     gorm.Expr("attempts + 1"),
			"delivered_at": s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", store.ErrNotificationNotFound, id)
	}
	return nil
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, reason string, giveUp bool) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": reason,
	}
	if giveUp {
		updates["failed_at"] = s.now()
	}
	res := s.db.WithContext(ctx).Model(&notificationRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", store.ErrNotificationNotFound, id)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
