package database

import (
	"context"
	"os"
	"testing"

	"github.com/R3E-Network/gasstation/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error without dsn")
	}
}

func TestOpen(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := Open(context.Background(), config.DatabaseConfig{DSN: dsn, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()
}
