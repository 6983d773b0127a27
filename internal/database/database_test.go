package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/deconst/client/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestOpenMigrates(t *testing.T) {
	db, err := Open("file:database_open?mode=memory&cache=shared", logger.Silent)
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&model.PreparationRun{}))
	assert.True(t, db.Migrator().HasTable(&model.AuditLog{}))
}

func TestInitCancelsInterruptedRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deconst.db")

	db, err := Open(path, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.PreparationRun{RepositoryID: 1, Kind: "content", ContainerID: "a", Status: model.RunRunning, StartedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&model.PreparationRun{RepositoryID: 1, Kind: "control", ContainerID: "b", Status: model.RunSucceeded, StartedAt: time.Now()}).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	db = Init(path)
	var runs []model.PreparationRun
	require.NoError(t, db.Order("id").Find(&runs).Error)
	require.Len(t, runs, 2)
	assert.Equal(t, model.RunCancelled, runs[0].Status)
	assert.Equal(t, "interrupted by restart", runs[0].Detail)
	assert.Equal(t, model.RunSucceeded, runs[1].Status)
}
