package sink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/logger"
	"codeberg.org/mutker/powerlog/internal/pipeline"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite mirrors records into an SQLite database, one row per rail per
// record. All rows of a record are inserted in a single transaction so
// a partially written record is never observable.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLite(path string) (*SQLite, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("SQLite sink opened")

	return &SQLite{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS records (
            timestamp REAL NOT NULL,
            rail TEXT NOT NULL,
            voltage REAL NOT NULL,
            current REAL NOT NULL,
            power REAL NOT NULL,
            temperature REAL,
            humidity REAL,
            pressure REAL,
            visibility REAL,
            wind_speed REAL,
            wind_direction REAL,
            cloud_coverage REAL,
            condition INTEGER,
            PRIMARY KEY (timestamp, rail)
        )
    `)
	if err != nil {
		return errors.New().Wrap(ErrSchemaInit, err)
	}

	return nil
}

func (s *SQLite) Append(ctx context.Context, rec *pipeline.Record) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrAppendFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO records (
            timestamp, rail, voltage, current, power,
            temperature, humidity, pressure, visibility,
            wind_speed, wind_direction, cloud_coverage, condition
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrAppendFailed, err)
	}
	defer stmt.Close()

	timestamp := float64(rec.Time.UnixNano()) / 1e9
	var temperature, humidity, pressure, visibility, windSpeed, windDirection, cloudCoverage any
	var condition any
	if w := rec.Weather; w != nil {
		temperature = w.Temperature
		humidity = w.Humidity
		pressure = w.Pressure
		visibility = w.Visibility
		windSpeed = w.WindSpeed
		windDirection = w.WindDirection
		cloudCoverage = w.CloudCoverage
		condition = w.ConditionID
	}

	for _, sample := range rec.Power {
		if _, err := stmt.ExecContext(ctx,
			timestamp, sample.Rail, sample.Voltage, sample.Current, sample.Power,
			temperature, humidity, pressure, visibility,
			windSpeed, windDirection, cloudCoverage, condition,
		); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrAppendFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrAppendFailed, err)
	}

	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warn().Err(err).Msg("Failed to checkpoint WAL")
	}
	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	return nil
}
