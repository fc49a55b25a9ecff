package database

import (
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/blnkfinance/tally/config"
	"github.com/blnkfinance/tally/database/memory"
	"github.com/blnkfinance/tally/internal/apierror"
	"github.com/lib/pq"
)

const memoryScheme = "memory://"

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

// NewDataSource returns the datasource named by the configured DNS. A
// memory:// DNS yields a process-local store used for local runs.
func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	if strings.HasPrefix(configuration.DataSource.Dns, memoryScheme) {
		return memory.NewStore(), nil
	}
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errors.New("database connection was not initialised")
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	return db, nil
}

// rollback discards a transaction whose outcome is already decided by err.
func rollback(tx *sql.Tx, err error) error {
	_ = tx.Rollback()
	return err
}

// isUniqueViolation reports whether err is a Postgres unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

func mapPQError(err error, entity string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return apierror.NewAPIError(apierror.ErrConflict, entity+" already exists", err)
		case "foreign_key_violation":
			return apierror.NewAPIError(apierror.ErrBadRequest, entity+" references a missing record", err)
		case "check_violation":
			return apierror.NewAPIError(apierror.ErrInvalidInput, entity+" has an invalid value", err)
		default:
			return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
		}
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save "+strings.ToLower(entity), err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
