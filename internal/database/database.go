package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
)

// Dialect is the SQL flavour of a connection.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case MySQL:
		return MySQL, nil
	case SQLite:
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// KeyType is the column type for short indexed strings.
func (d Dialect) KeyType() string {
	if d == MySQL {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

// TextType is the column type for JSON documents.
func (d Dialect) TextType() string {
	if d == MySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

// Upsert builds an INSERT that overwrites cols on a key collision.
func (d Dialect) Upsert(table string, cols []string, key string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	var sets []string
	for _, c := range cols {
		if c == key {
			continue
		}
		if d == MySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if d == MySQL {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
	} else {
		fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET ", key)
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

// Conn describes where a database lives.
type Conn struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	FilePath string
}

func ConnFromDatabase(c config.DatabaseConnection) Conn {
	return Conn{Driver: c.Driver, Host: c.Host, Port: c.Port, User: c.User, Password: c.Password, Database: c.Database, FilePath: c.FilePath}
}

func ConnFromStateStorage(c config.StateStorage) Conn {
	return Conn{Driver: c.Type, Host: c.Host, Port: c.Port, User: c.User, Password: c.Password, Database: c.Database, FilePath: c.FilePath}
}

func (c Conn) dsn(d Dialect) string {
	if d == SQLite {
		path := c.FilePath
		if path == "" {
			path = ":memory:"
		}
		return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// Connect opens the database and pings it until it answers, backing off
// between attempts, or until ctx ends.
func Connect(ctx context.Context, c Conn) (*sql.DB, Dialect, error) {
	d, err := ParseDialect(c.Driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(string(d), c.dsn(d))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s connection: %w", d, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Log.Info("Waiting for database...",
			zap.String("driver", string(d)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	if err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping %s after %d attempts: %w", d, attempt, err)
	}

	if d == SQLite {
		// One writer at a time; an in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}

	logger.Log.Info("Connected to database",
		zap.String("driver", string(d)),
		zap.String("host", c.Host),
		zap.String("database", c.Database+c.FilePath))
	return db, d, nil
}

// ExecTx runs fn inside a transaction, rolling back when it fails.
func ExecTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
