package db

import (
	"path/filepath"
	"testing"
)

func TestConnectSQLiteMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotes.db")
	gdb, err := Connect("sqlite:" + path)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, table := range []string{"chat_sessions", "chat_messages", "commit_attempts", "commit_trigger_audits", "quote_events"} {
		if !gdb.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
}
