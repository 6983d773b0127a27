package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deconst/client/internal/model"
	"gorm.io/gorm"
)

// HistoryService records preparation runs. Writes are applied in order on a
// background goroutine; failures are logged and never returned to callers.
type HistoryService struct {
	db     *gorm.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ops    chan func(*gorm.DB) error
	done   chan struct{}
}

// NewHistoryService creates a HistoryService and starts its writer.
func NewHistoryService(db *gorm.DB, logger *slog.Logger) *HistoryService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HistoryService{
		db:     db,
		logger: logger.With("module", "history"),
		ops:    make(chan func(*gorm.DB) error, 256),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *HistoryService) loop() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(s.db); err != nil {
			s.logger.Error("history write failed", "err", err)
		}
	}
}

func (s *HistoryService) enqueue(op func(*gorm.DB) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.logger.Warn("history queue full, dropping write")
	}
}

// Started records that a preparer container began running.
func (s *HistoryService) Started(repositoryID int, kind, containerID string) {
	run := &model.PreparationRun{
		RepositoryID: repositoryID,
		Kind:         kind,
		ContainerID:  containerID,
		Status:       model.RunRunning,
		StartedAt:    time.Now(),
	}
	s.enqueue(func(db *gorm.DB) error {
		return db.Create(run).Error
	})
}

// Finished closes the running record for containerID.
func (s *HistoryService) Finished(containerID, status string, exitCode int, detail string) {
	now := time.Now()
	s.enqueue(func(db *gorm.DB) error {
		return db.Model(&model.PreparationRun{}).
			Where("container_id = ? AND status = ?", containerID, model.RunRunning).
			Updates(map[string]interface{}{
				"status":      status,
				"exit_code":   exitCode,
				"detail":      detail,
				"finished_at": now,
			}).Error
	})
}

// Forget deletes every record of a repository.
func (s *HistoryService) Forget(repositoryID int) {
	s.enqueue(func(db *gorm.DB) error {
		return db.Where("repository_id = ?", repositoryID).Delete(&model.PreparationRun{}).Error
	})
}

// Flush blocks until every write queued before it has been applied.
func (s *HistoryService) Flush() {
	applied := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ops <- func(*gorm.DB) error {
		close(applied)
		return nil
	}
	s.mu.Unlock()
	<-applied
}

// Close applies pending writes and stops the writer.
func (s *HistoryService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
}

// List returns a repository's runs, newest first
func (s *HistoryService) List(repositoryID int, limit int) ([]model.PreparationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var runs []model.PreparationRun
	err := s.db.Where("repository_id = ?", repositoryID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list preparation runs: %w", err)
	}
	return runs, nil
}
