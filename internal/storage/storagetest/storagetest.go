// Package storagetest provides an in-memory SQLite database for tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"dmchat/backend/internal/models"
	"dmchat/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB opens a private in-memory database with all tables migrated.
// A single connection keeps SQLite writers serialized.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), storage.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, storage.Migrate(db))
	return db
}

// NewService wraps NewDB in a storage.Service.
func NewService(t testing.TB) *storage.Service {
	return storage.NewStorageService(NewDB(t))
}

// SeedUser inserts a user with the given username.
func SeedUser(t testing.TB, s storage.Storage, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

// SeedPrivateRoom creates an active private room for a and b.
func SeedPrivateRoom(t testing.TB, s storage.Storage, a, b string) *models.Room {
	t.Helper()
	key := models.PrivatePairKey(a, b)
	room := &models.Room{RoomType: models.RoomPrivate, PairKey: &key}
	require.NoError(t, s.CreateRoom(context.Background(), room, []string{a, b}))
	return room
}
