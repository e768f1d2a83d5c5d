package dbh

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/logs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Package dbh opens Postgres or SQLite databases through gorm, after bringing
// their schema up to date with a list of SQL migrations.

// DBConnectFlags are flags passed to OpenDB.
type DBConnectFlags int

const DriverPostgres = "postgres"
const DriverSqlite = "sqlite3"

const (
	// DBConnectFlagWipeDB erases the entire DB before migrating it (useful for unit tests).
	DBConnectFlagWipeDB DBConnectFlags = 1 << iota
)

var ErrUnsupportedDriver = errors.New("Unsupported database driver")

// pq: database "testx" does not exist
var DBNotExistRegex = regexp.MustCompile(`database "[^"]+" does not exist`)

// DBConfig is the database section of our JSON config file.
type DBConfig struct {
	Driver      string `json:"driver"` // "postgres" or "sqlite3"
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Database    string `json:"database"` // Database name, or filename for sqlite
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	SSLCert     string `json:"sslCert,omitempty"`
	SSLKey      string `json:"sslKey,omitempty"`
	SSLRootCert string `json:"sslRootCert,omitempty"`
}

func MakeSqliteConfig(filename string) DBConfig {
	return DBConfig{
		Driver:   DriverSqlite,
		Database: filename,
	}
}

func (db *DBConfig) Validate() error {
	switch db.Driver {
	case DriverPostgres, DriverSqlite:
	default:
		return fmt.Errorf("%w '%v'", ErrUnsupportedDriver, db.Driver)
	}
	if db.Database == "" {
		return fmt.Errorf("Database name may not be empty")
	}
	return nil
}

// LogSafeDescription returns a string that helps debug connection issues, without leaking the password
func (db *DBConfig) LogSafeDescription() string {
	desc := fmt.Sprintf("driver=%s host=%v database=%v username=%v", db.Driver, db.Host, db.Database, db.Username)
	if db.Port != 0 {
		desc += fmt.Sprintf(" port=%v", db.Port)
	}
	return desc
}

// DSN returns a connection string for Postgres or SQLite
func (db *DBConfig) DSN() string {
	if db.Driver == DriverSqlite {
		return db.Database
	}
	dsn := fmt.Sprintf("host=%v user=%v password=%v dbname=%v", quoteDSN(db.Host), quoteDSN(db.Username), quoteDSN(db.Password), quoteDSN(db.Database))
	if db.Port != 0 {
		dsn += fmt.Sprintf(" port=%v", db.Port)
	}
	if db.SSLKey != "" {
		dsn += fmt.Sprintf(" sslmode=require sslcert=%v sslkey=%v sslrootcert=%v", quoteDSN(db.SSLCert), quoteDSN(db.SSLKey), quoteDSN(db.SSLRootCert))
	} else {
		dsn += " sslmode=disable"
	}
	return dsn
}

// Quote a libpq key/value parameter, if necessary
func quoteDSN(s string) string {
	if s == "" {
		return "''"
	} else if !strings.ContainsAny(s, " '\\") {
		return s
	}
	e := strings.Builder{}
	e.WriteRune('\'')
	for _, r := range s {
		if r == '\\' || r == '\'' {
			e.WriteRune('\\')
		}
		e.WriteRune(r)
	}
	e.WriteRune('\'')
	return e.String()
}

// MakeMigrations turns a sequence of SQL statements into migrations that log as they run
func MakeMigrations(log logs.Log, statements []string) []migration.Migrator {
	migs := []migration.Migrator{}
	for i, stmt := range statements {
		migs = append(migs, makeMigrationFromSQL(log, i+1, stmt))
	}
	return migs
}

func makeMigrationFromSQL(log logs.Log, idx int, stmt string) migration.Migrator {
	return func(tx migration.LimitedTx) error {
		summary := strings.TrimSpace(stmt)
		if nl := strings.IndexAny(summary, "\n\r"); nl != -1 {
			summary = summary[:nl]
		}
		if len(summary) > 40 {
			summary = summary[:40]
		}
		log.Infof("Running migration %v: '%v...'", idx, summary)
		_, err := tx.Exec(stmt)
		return err
	}
}

// OpenDB creates a new DB, or opens an existing one, and runs all the migrations before returning.
func OpenDB(log logs.Log, dbc DBConfig, migrations []migration.Migrator, flags DBConnectFlags) (*gorm.DB, error) {
	if err := dbc.Validate(); err != nil {
		return nil, err
	}
	if flags&DBConnectFlagWipeDB != 0 {
		if err := DropAllTables(log, dbc); err != nil {
			return nil, err
		}
	}

	// Common path, where the database already exists
	db, err := migration.Open(dbc.Driver, dbc.DSN(), migrations)
	if err == nil {
		db.Close()
		return gormOpen(log, dbc.Driver, dbc.DSN())
	}

	if !isDatabaseNotExist(err) {
		return nil, fmt.Errorf("Failed to migrate database (%v): %w", dbc.LogSafeDescription(), err)
	}

	log.Infof("Attempting to create database %v", dbc.Database)

	// Connect to the 'postgres' database in order to create the new DB
	cfgCreate := dbc
	cfgCreate.Database = "postgres"
	if err := createDB(dbc.Driver, cfgCreate.DSN(), dbc.Database); err != nil {
		return nil, fmt.Errorf("While trying to create database '%v': %w", dbc.Database, err)
	}

	db, err = migration.Open(dbc.Driver, dbc.DSN(), migrations)
	if err != nil {
		return nil, err
	}
	db.Close()
	return gormOpen(log, dbc.Driver, dbc.DSN())
}

// DropAllTables deletes all tables in the given database.
// If the database does not exist, returns nil.
// For SQLite, the database file is deleted.
func DropAllTables(log logs.Log, dbc DBConfig) error {
	if dbc.Driver == DriverSqlite {
		err := os.Remove(dbc.Database)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if dbc.Driver != DriverPostgres {
		return fmt.Errorf("%w '%v'", ErrUnsupportedDriver, dbc.Driver)
	}
	db, err := sql.Open(dbc.Driver, dbc.DSN())
	if err == nil {
		// Force delay-connect drivers to attempt a connect now
		err = db.Ping()
	}
	if isDatabaseNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer db.Close()
	log.Warnf("Erasing entire DB '%v'", dbc.Database)
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := dropAllTablesPostgres(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func dropAllTablesPostgres(tx *sql.Tx) error {
	rows, err := tx.Query(`
	SELECT table_name, table_schema
	FROM information_schema.tables
	WHERE
	table_schema <> 'pg_catalog' AND
	table_schema <> 'information_schema'`)
	if err != nil {
		return err
	}
	tables := []string{}
	for rows.Next() {
		var table, tableSchema string
		if err := rows.Scan(&table, &tableSchema); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, fmt.Sprintf(`"%v"."%v"`, tableSchema, table))
	}
	rows.Close()
	for _, table := range tables {
		if _, err := tx.Exec(fmt.Sprintf("DROP TABLE %v CASCADE", table)); err != nil {
			return err
		}
	}
	return nil
}

// gormWriter sends gorm's slow query and error messages to our log
type gormWriter struct {
	log logs.Log
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}

func gormOpen(log logs.Log, driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSqlite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w '%v'", ErrUnsupportedDriver, driver)
	}

	gormLogger := logger.New(
		gormWriter{log},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			// We write our own migrations, so table names are exactly what we declare
			SingularTable: true,
		},
		Logger: gormLogger,
	}
	return gorm.Open(dialector, config)
}

func isDatabaseNotExist(err error) bool {
	if err == nil {
		return false
	}
	return DBNotExistRegex.MatchString(err.Error())
}

// Create a database called dbCreateName, by connecting to dsn.
func createDB(driver, dsn, dbCreateName string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec("CREATE DATABASE " + dbCreateName)
	return err
}
