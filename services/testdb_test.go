package services

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paper-pipeline/models"
)

// newTestDB öffnet eine In-Memory-Datenbank mit allen Tabellen.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Article{},
		&models.Author{},
		&models.ArticleAuthorOrder{},
		&models.ArticleContent{},
		&models.ReferenceLink{},
		&models.AnalyzedSegment{},
	))
	return db
}

func newTestUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	user := &models.User{Username: name}
	require.NoError(t, db.Create(user).Error)
	return user
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
