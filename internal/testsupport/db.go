// Package testsupport holds fixtures shared by package tests.
package testsupport

import (
	"testing"

	"github.com/patent-dev/aria2-fleet/internal/database"
	"gorm.io/driver/sqlite"
)

// NewDB returns a migrated in-memory database with foreign keys enforced.
func NewDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open("file::memory:?_foreign_keys=on"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedBinary inserts a binary with the given path.
func SeedBinary(t *testing.T, db *database.DB, path string) *database.Binary {
	t.Helper()
	binary := &database.Binary{Path: path}
	if err := db.Create(binary).Error; err != nil {
		t.Fatal(err)
	}
	return binary
}

// SeedArgument inserts an argument for the binary at the given help position.
func SeedArgument(t *testing.T, db *database.DB, binaryID uint, longFlag string, position int) *database.Argument {
	t.Helper()
	arg := &database.Argument{BinaryID: binaryID, LongFlag: longFlag, Description: longFlag, Position: position}
	if err := db.Create(arg).Error; err != nil {
		t.Fatal(err)
	}
	return arg
}
