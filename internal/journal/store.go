// Package journal persists one row per accepted webhook delivery. The relay
// itself keeps no history; the journal is the audit trail operators query to
// answer "did the delivery arrive and who got it".
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"prrelay/pkg/relay"
)

// Config selects the backing database for the delivery journal.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Dialect     string `yaml:"dialect"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// Delivery is one journaled webhook delivery.
type Delivery struct {
	ID         uint      `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	Number     int       `json:"number"`
	Kind       string    `json:"kind"`
	Action     string    `json:"action"`
	Instance   string    `json:"instance"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Delivered  int       `json:"delivered"`
	Dropped    int       `json:"dropped"`
}

type row struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ReceivedAt time.Time `gorm:"column:received_at;index;not null"`
	Owner      string    `gorm:"column:owner;size:255;not null;index:idx_unit"`
	Repo       string    `gorm:"column:repo;size:255;not null;index:idx_unit"`
	Number     int       `gorm:"column:number;not null;index:idx_unit"`
	Kind       string    `gorm:"column:kind;size:64;not null"`
	Action     string    `gorm:"column:action;size:64"`
	Instance   string    `gorm:"column:instance;size:255"`
	DeliveryID string    `gorm:"column:delivery_id;size:128"`
	Delivered  int       `gorm:"column:delivered"`
	Dropped    int       `gorm:"column:dropped"`
}

// Store implements the journal on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

// Open creates a GORM-backed journal store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("journal driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("journal dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		driver = normalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, errors.New("unsupported journal driver")
	}

	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	table := cfg.Table
	if table == "" {
		table = "relay_deliveries"
	}
	store := &Store{
		db:    gormDB,
		table: table,
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends one delivery row.
func (s *Store) Record(ctx context.Context, delivery Delivery) error {
	if s == nil || s.db == nil {
		return errors.New("journal is not initialized")
	}
	if delivery.Owner == "" || delivery.Repo == "" {
		return errors.New("delivery owner and repo are required")
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = time.Now().UTC()
	}
	data := toRow(delivery)
	return s.tableDB().WithContext(ctx).Create(&data).Error
}

// Recent returns the newest deliveries, optionally filtered to one unit key.
// Limit is clamped to [1, 500] with a default of 50.
func (s *Store) Recent(ctx context.Context, key *relay.PRKey, limit int) ([]Delivery, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query := s.tableDB().WithContext(ctx)
	if key != nil {
		query = query.Where("owner = ? AND repo = ? AND number = ?", key.Owner, key.Repo, key.Number)
	}
	var data []row
	err := query.Order("received_at desc, id desc").Limit(limit).Find(&data).Error
	if err != nil {
		return nil, err
	}
	deliveries := make([]Delivery, 0, len(data))
	for _, item := range data {
		deliveries = append(deliveries, fromRow(item))
	}
	return deliveries, nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(delivery Delivery) row {
	return row{
		ID:         delivery.ID,
		ReceivedAt: delivery.ReceivedAt,
		Owner:      delivery.Owner,
		Repo:       delivery.Repo,
		Number:     delivery.Number,
		Kind:       delivery.Kind,
		Action:     delivery.Action,
		Instance:   delivery.Instance,
		DeliveryID: delivery.DeliveryID,
		Delivered:  delivery.Delivered,
		Dropped:    delivery.Dropped,
	}
}

func fromRow(data row) Delivery {
	return Delivery{
		ID:         data.ID,
		ReceivedAt: data.ReceivedAt,
		Owner:      data.Owner,
		Repo:       data.Repo,
		Number:     data.Number,
		Kind:       data.Kind,
		Action:     data.Action,
		Instance:   data.Instance,
		DeliveryID: data.DeliveryID,
		Delivered:  data.Delivered,
		Dropped:    data.Dropped,
	}
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s", driver)
	}
}
