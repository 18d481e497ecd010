package routes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLStore reads routing rules from the protocol_rules table. The handle
// is a pooled *sql.DB shared by every connection task; each lookup checks
// a connection out for the duration of one query.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens the routing-rule store. databaseURL may be a mysql:// URL
// or a raw driver DSN.
func OpenSQL(databaseURL string) (*SQLStore, error) {
	dsn, err := dsnFromURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening routing store: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLStore{db: db}, nil
}

// Resolve looks up the backend host for tag.
func (s *SQLStore) Resolve(ctx context.Context, tag string) (string, error) {
	var host string
	err := s.db.QueryRowContext(ctx,
		"SELECT host FROM protocol_rules WHERE protocol = ?", tag,
	).Scan(&host)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRoute
	}
	if err != nil {
		return "", err
	}
	return host, nil
}

// Ping verifies the store is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// dsnFromURL converts a mysql:// URL into the driver's DSN form. Raw DSNs
// pass through untouched.
func dsnFromURL(databaseURL string) (string, error) {
	if !strings.HasPrefix(databaseURL, "mysql://") {
		return databaseURL, nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database url: %w", err)
	}

	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if password, ok := u.User.Password(); ok {
			b.WriteByte(':')
			b.WriteString(password)
		}
		b.WriteByte('@')
	}
	host := u.Host
	if u.Port() == "" {
		host = host + ":3306"
	}
	fmt.Fprintf(&b, "tcp(%s)", host)
	b.WriteByte('/')
	b.WriteString(strings.TrimPrefix(u.Path, "/"))
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}
