// Package catalog is the durable record of clips, processing results, drive
// mode transitions and alerts. It is the only writer of those records.
package catalog

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Sentinel errors
var (
	ErrClipNotFound   = errors.NewStd("clip not found")
	ErrResultNotFound = errors.NewStd("no processing result")
)

// Store is a GORM backed catalog
type Store struct {
	db     *gorm.DB
	locks  *lockTable
	dbType string
}

// GetLogger returns the catalog module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("catalog")
}

// Open opens the catalog selected by settings.Catalog.Type
func Open(settings *conf.CatalogSettings) (*Store, error) {
	switch settings.Type {
	case conf.CatalogMySQL:
		return OpenMySQL(MySQLDSN(&settings.MySQL))
	case conf.CatalogSQLite, "":
		return OpenSQLite(settings.SQLite.Path)
	default:
		return nil, errors.Newf("unsupported catalog type %q", settings.Type).
			Component("catalog").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// OpenSQLite opens or creates an SQLite catalog at path
func OpenSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dbError(err, "create_db_dir")
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	store, err := open(sqlite.Open(dsn), conf.CatalogSQLite)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL readers do not block it.
	if sqlDB, err := store.db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return store, nil
}

// MySQLDSN builds the connection string for a MySQL catalog
func MySQLDSN(m *conf.MySQLSettings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = m.Username
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenMySQL opens a MySQL catalog from a DSN. Affected row counts are
// switched to found rows so an update that changes nothing still matches.
func OpenMySQL(dsn string) (*Store, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryConfiguration).
			Context("operation", "parse_mysql_dsn").
			Build()
	}
	cfg.ClientFoundRows = true
	return open(mysql.Open(cfg.FormatDSN()), conf.CatalogMySQL)
}

func open(dialector gorm.Dialector, dbType string) (*Store, error) {
	log := GetLogger().With(logger.String("db_type", dbType))

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.NewGormLoggerAdapter(GetLogger(), slowQueryThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, dbError(err, "open")
	}

	if err := performAutoMigration(db, log); err != nil {
		return nil, err
	}

	log.Info("catalog opened")
	return &Store{db: db, locks: newLockTable(), dbType: dbType}, nil
}

func performAutoMigration(db *gorm.DB, log logger.Logger) error {
	start := time.Now()
	if err := db.AutoMigrate(&Clip{}, &ProcessingResult{}, &FaceMatch{}, &ModeTransition{}, &AlertState{}); err != nil {
		return dbError(err, "auto_migrate")
	}
	log.Debug("catalog migration complete", logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "ping")
	}
	return sqlDB.PingContext(ctx)
}

// Lock takes the per-clip advisory lock. Writers of a clip entry hold it.
func (s *Store) Lock(ctx context.Context, clipID string) (func(), error) {
	return s.locks.lock(ctx, clipID)
}

// TryLock takes the per-clip lock only if it is free
func (s *Store) TryLock(clipID string) (func(), bool) {
	return s.locks.tryLock(clipID)
}

func dbError(err error, operation string) error {
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryCatalog).
		Context("operation", operation).
		Build()
}

func notFound(sentinel error, id string) error {
	return errors.New(fmt.Errorf("%w: %s", sentinel, id)).
		Component("catalog").
		Category(errors.CategoryNotFound).
		Build()
}
