// Package monitor records upstream HTTP attempts in memory and in the
// attempt log table.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pysugar/finlink/internal/db/models"
	"github.com/pysugar/finlink/internal/upstream"
)

// MaxMemoryLogs limits the in-memory log cache
const MaxMemoryLogs = 100

// AttemptMonitor implements upstream.Observer.
type AttemptMonitor struct {
	db      *gorm.DB
	logger  *zap.Logger
	enabled atomic.Bool
	pending sync.WaitGroup

	// Newest first.
	recentLogs []models.AttemptLog
	logsMu     sync.RWMutex

	totalAttempts atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

var _ upstream.Observer = (*AttemptMonitor)(nil)

// New creates an enabled monitor. A nil db keeps logs in memory only.
func New(db *gorm.DB, logger *zap.Logger) *AttemptMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	am := &AttemptMonitor{
		db:         db,
		logger:     logger.Named("monitor"),
		recentLogs: make([]models.AttemptLog, 0, MaxMemoryLogs),
	}
	if db != nil {
		if err := db.AutoMigrate(&models.AttemptLog{}); err != nil {
			am.logger.Warn("failed to migrate attempt log table", zap.Error(err))
		}
		am.loadStatsFromDB()
	}
	am.enabled.Store(true)
	return am
}

func (am *AttemptMonitor) SetEnabled(enabled bool) { am.enabled.Store(enabled) }

func (am *AttemptMonitor) IsEnabled() bool { return am.enabled.Load() }

// ObserveAttempt records an attempt (async, non-blocking)
func (am *AttemptMonitor) ObserveAttempt(a upstream.Attempt) {
	if !am.IsEnabled() {
		return
	}

	entry := models.AttemptLog{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
		Provider:      a.Provider,
		Op:            a.Op,
		Method:        a.Method,
		URL:           a.URL,
		Attempt:       a.Number,
		Status:        a.Status,
		Duration:      a.Duration.Milliseconds(),
		CorrelationID: a.CorrelationID,
		RequestID:     a.RequestID,
		Error:         a.Kind,
	}

	am.totalAttempts.Add(1)
	if a.Kind == "" {
		am.successCount.Add(1)
	} else {
		am.errorCount.Add(1)
	}

	am.logsMu.Lock()
	am.recentLogs = append([]models.AttemptLog{entry}, am.recentLogs...)
	if len(am.recentLogs) > MaxMemoryLogs {
		am.recentLogs = am.recentLogs[:MaxMemoryLogs]
	}
	am.logsMu.Unlock()

	if am.db == nil {
		return
	}
	am.pending.Add(1)
	go func(entry models.AttemptLog) {
		defer am.pending.Done()
		if err := am.db.Create(&entry).Error; err != nil {
			am.logger.Warn("failed to save attempt log", zap.Error(err))
		}
	}(entry)
}

// Wait blocks until pending writes finish.
func (am *AttemptMonitor) Wait() { am.pending.Wait() }

// Query filters attempt logs. Zero fields match everything.
type Query struct {
	Provider string
	Limit    int
	Since    time.Duration
	ErrOnly  bool
}

// GetLogs returns attempt logs newest first, falling back to memory when
// the database is unavailable.
func (am *AttemptMonitor) GetLogs(q Query) []models.AttemptLog {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = MaxMemoryLogs
	}
	if am.db == nil {
		return am.memoryLogs(q)
	}

	var logs []models.AttemptLog
	query := am.db.Order("timestamp DESC").Limit(q.Limit)
	if q.Provider != "" {
		query = query.Where("provider = ?", q.Provider)
	}
	if q.Since > 0 {
		query = query.Where("timestamp >= ?", time.Now().Add(-q.Since).UnixMilli())
	}
	if q.ErrOnly {
		query = query.Where("error <> ''")
	}
	if err := query.Find(&logs).Error; err != nil {
		am.logger.Warn("failed to read attempt logs", zap.Error(err))
		return am.memoryLogs(q)
	}
	return logs
}

func (am *AttemptMonitor) memoryLogs(q Query) []models.AttemptLog {
	am.logsMu.RLock()
	defer am.logsMu.RUnlock()

	cutoff := int64(0)
	if q.Since > 0 {
		cutoff = time.Now().Add(-q.Since).UnixMilli()
	}
	result := make([]models.AttemptLog, 0, min(q.Limit, len(am.recentLogs)))
	for _, l := range am.recentLogs {
		if len(result) == q.Limit {
			break
		}
		if (q.Provider != "" && l.Provider != q.Provider) || l.Timestamp < cutoff || (q.ErrOnly && l.Error == "") {
			continue
		}
		result = append(result, l)
	}
	return result
}

func (am *AttemptMonitor) GetStats() models.AttemptStats {
	return models.AttemptStats{
		TotalAttempts: am.totalAttempts.Load(),
		SuccessCount:  am.successCount.Load(),
		ErrorCount:    am.errorCount.Load(),
	}
}

// Clear clears all logs from memory and database
func (am *AttemptMonitor) Clear() error {
	am.pending.Wait()

	am.logsMu.Lock()
	am.recentLogs = am.recentLogs[:0]
	am.logsMu.Unlock()

	am.totalAttempts.Store(0)
	am.successCount.Store(0)
	am.errorCount.Store(0)

	if am.db == nil {
		return nil
	}
	return am.db.Where("1 = 1").Delete(&models.AttemptLog{}).Error
}

func (am *AttemptMonitor) loadStatsFromDB() {
	var total, failed int64
	am.db.Model(&models.AttemptLog{}).Count(&total)
	am.db.Model(&models.AttemptLog{}).Where("error <> ''").Count(&failed)

	am.totalAttempts.Store(total)
	am.successCount.Store(total - failed)
	am.errorCount.Store(failed)
}
