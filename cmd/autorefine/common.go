package main

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/metalagman/autorefine/internal/db"
)

func openDB() (*sql.DB, string, func(), error) {
	repoRoot, err := workingDir()
	if err != nil {
		return nil, "", func() {}, err
	}
	dir := stateDir(repoRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", func() {}, err
	}
	storeDB, err := db.Open(filepath.Join(dir, "autorefine.db"))
	if err != nil {
		return nil, "", func() {}, err
	}
	return storeDB, repoRoot, func() { _ = storeDB.Close() }, nil
}
