package utils

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatalf("expected wrapped 23505 to be detected")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestNullHelpers(t *testing.T) {
	if NullString("").Valid {
		t.Fatalf("empty string should be NULL")
	}
	if v := NullString("x"); !v.Valid || v.String != "x" {
		t.Fatalf("unexpected %+v", v)
	}

	if NullTime(nil).Valid {
		t.Fatalf("nil time should be NULL")
	}
	now := time.Unix(1700000000, 0)
	if p := TimePtr(NullTime(&now)); p == nil || !p.Equal(now) {
		t.Fatalf("expected round trip of %v, got %v", now, p)
	}
	if TimePtr(sql.NullTime{}) != nil {
		t.Fatalf("expected nil for NULL")
	}
}

func TestPostgresPoolDefaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 7}.withDefaults()
	if c.MaxIdleConns != 7 {
		t.Fatalf("expected idle conns to follow max open, got %d", c.MaxIdleConns)
	}
	if c.PingTimeout <= 0 || c.ConnMaxLifetime <= 0 {
		t.Fatalf("expected timeouts to be defaulted: %+v", c)
	}
}
