package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrations_EmbeddedAndAnnotated(t *testing.T) {
	files, err := fs.Glob(Migrations(), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
	for _, f := range files {
		b, err := fs.ReadFile(Migrations(), f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		s := string(b)
		if !strings.Contains(s, "-- +goose Up") || !strings.Contains(s, "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", f)
		}
	}
}

func TestMigrations_CoverRepositoryTables(t *testing.T) {
	var all strings.Builder
	files, _ := fs.Glob(Migrations(), "*.sql")
	for _, f := range files {
		b, _ := fs.ReadFile(Migrations(), f)
		all.Write(b)
	}
	for _, table := range []string{"calls", "messages", "voip_settings", "contact_addresses", "audit_events"} {
		if !strings.Contains(all.String(), "CREATE TABLE "+table) && !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("no migration creates %s", table)
		}
	}
}
