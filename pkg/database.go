package pkg

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"sync"

	"triggerd/pkg/utils"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/migrate"
)

// @formatter:off
/// [database-docs]

type DatabaseConfig struct {
	// Database hostname, defaults to `localhost`
	Host string `mapstructure:"host"`

	// Port to use, defaults to `5432`
	Port int `mapstructure:"port"`

	// Database name, e.g. `triggers`
	DbName string `mapstructure:"dbName" validate:"required"`

	// Connection username
	Username *string `mapstructure:"username"`

	// Connection password, also loadable with `ENV{VAR_NAME}`
	Password *utils.StringFromEnvVar `mapstructure:"password"`

	// Additional connection options, e.g. `sslmode: disable`
	Options map[string]string `mapstructure:"options"`
}

/// [database-docs]
// @formatter:on

func (config *DatabaseConfig) ParsedUserPassDSN() string {
	if config.Username == nil {
		return ""
	}

	user := url.User(*config.Username)
	if config.Password != nil {
		user = url.UserPassword(*config.Username, config.Password.Value())
	}
	return user.String() + "@"
}

func (config *DatabaseConfig) ParsedHostname() string {
	hostname := "localhost"
	if config.Host != "" {
		hostname = config.Host
	}
	return hostname
}

func (config *DatabaseConfig) ParsedPort() int {
	port := 5432
	if config.Port != 0 {
		port = config.Port
	}
	return port
}

func (config *DatabaseConfig) ParsedOptions() string {
	options := make(url.Values)
	for key, val := range config.Options {
		options.Set(key, val)
	}
	return options.Encode()
}

func (config *DatabaseConfig) ParsedDSN() string {
	return fmt.Sprintf("postgres://%s%s:%d/%s?%s", config.ParsedUserPassDSN(), config.ParsedHostname(), config.ParsedPort(), config.DbName, config.ParsedOptions())
}

func (config *DatabaseConfig) ParsedLogSafeDSN() string {
	return fmt.Sprintf("%s:%d/%s", config.ParsedHostname(), config.ParsedPort(), config.DbName)
}

// We keep a global connection cache, in case a DB is reused
var databaseConnectionCache = new(sync.Map)

// To be invoked on shutdown
func CloseAllDBConnections() {
	databaseConnectionCache.Range(func(key, value interface{}) bool {
		if err := value.(*BunDbWrapper).db.Close(); err != nil {
			logrus.WithError(err).Errorf("failed to close db")
		}
		databaseConnectionCache.Delete(key)
		return true
	})
}

type BunDbWrapper struct {
	config *DatabaseConfig
	db     *bun.DB

	lock              sync.Mutex
	appliedMigrations []*migrate.Migrations
}

func (w *BunDbWrapper) DB() *bun.DB {
	return w.db
}

// ApplyMigrations runs a migration set once per connection.
func (w *BunDbWrapper) ApplyMigrations(ctx context.Context, name string, migrations *migrate.Migrations) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	for _, v := range w.appliedMigrations {
		if v == migrations {
			return nil
		}
	}

	migrator := migrate.NewMigrator(w.DB(), migrations)

	if err := migrator.Init(ctx); err != nil {
		return errors.WithMessagef(err, "failed to init migrations for %s in db %s", name, w.config.ParsedLogSafeDSN())
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return errors.WithMessagef(err, "failed to perform migrations for %s in db %s", name, w.config.ParsedLogSafeDSN())
	}

	w.appliedMigrations = append(w.appliedMigrations, migrations)

	if group.ID == 0 {
		return nil
	}

	logrus.WithField("dsn", w.config.ParsedLogSafeDSN()).Infof("migrated %s database to %s", name, group)
	return nil
}

func NewDB(config *DatabaseConfig) (*BunDbWrapper, error) {
	dsn := config.ParsedDSN()

	// Check if we already have a db for this DSN
	if bunDBIntf, found := databaseConnectionCache.Load(dsn); found {
		return bunDBIntf.(*BunDbWrapper), nil
	}

	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	bunDB := bun.NewDB(sqlDB, pgdialect.New())

	if logrus.IsLevelEnabled(logrus.DebugLevel) && os.Getenv("TRG_VERBOSE_DATABASE") == "true" {
		bunDB.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err := bunDB.Ping(); err != nil {
		defer bunDB.Close()
		return nil, errors.WithMessage(err, "failed to connect to database")
	}

	logrus.WithField("dsn", config.ParsedLogSafeDSN()).Info("connected to database")

	wrapper := &BunDbWrapper{
		config: config,
		db:     bunDB,
	}

	databaseConnectionCache.Store(dsn, wrapper)

	return wrapper, nil
}
