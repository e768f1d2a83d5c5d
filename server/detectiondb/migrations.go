package detectiondb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/gesturenode/pkg/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log, driver string) []migration.Migrator {
	// Postgres has no implicit rowid
	idType := "INTEGER PRIMARY KEY"
	if driver == dbh.DriverPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
	}

	return dbh.MakeMigrations(log, []string{
		`
		CREATE TABLE detection(
			id ` + idType + `,
			timestamp BIGINT NOT NULL,
			label INT NOT NULL,
			score REAL NOT NULL,
			class TEXT
		);
		CREATE INDEX idx_detection_timestamp ON detection (timestamp);
		`,
	})
}
