package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/render-at-home/internal/model"
)

const logBufferSize = 1024

// Store provides SQL persistence via GORM. Writes are queued and applied by
// a background worker so the scheduler never waits on the database.
type Store struct {
	db    *gorm.DB
	logCh chan func() // buffered channel for async writes
	done  chan struct{}
	once  sync.Once
	log   *logrus.Entry
}

// NewStore opens the database, auto-migrates schemas, and
// starts the background write worker.
func NewStore(dsn string, log *logrus.Entry) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "database handle")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&model.TaskLog{},
		&model.SubtaskLog{},
		&model.WorkerRecord{},
	); err != nil {
		return nil, errors.Wrap(err, "auto-migrate")
	}

	s := &Store{
		db:    db,
		logCh: make(chan func(), logBufferSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// enqueue never blocks; a full buffer drops the write. Every write is a full
// snapshot, so the next one for the same row repairs the gap.
func (s *Store) enqueue(what string, fn func() error) {
	job := func() {
		if err := fn(); err != nil {
			s.log.Warnf("%s: %v", what, err)
		}
	}
	select {
	case s.logCh <- job:
	default:
		s.log.Warnf("write buffer full, dropping %s", what)
	}
}

// Flush waits until all writes queued so far have been applied.
func (s *Store) Flush() {
	ch := make(chan struct{})
	s.logCh <- func() { close(ch) }
	<-ch
}

// Close drains pending writes and closes the connection pool.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.logCh) })
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

var upsert = clause.OnConflict{UpdateAll: true}

// SaveTask upserts the task's latest state.
func (s *Store) SaveTask(t model.Task) {
	row := model.TaskLog{
		TaskID:     t.ID,
		Counter:    t.Counter,
		Owner:      t.Owner,
		StartFrame: t.Start,
		EndFrame:   t.End,
		FrameStep:  t.Step,
		OutputType: string(t.Output),
		DataType:   string(t.DataType),
		Stage:      t.Stage,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.FinishedAt,
	}
	s.enqueue("save task "+t.ID, func() error {
		return s.db.Clauses(upsert).Create(&row).Error
	})
}

// SaveSubtask upserts the subtask's latest state.
func (s *Store) SaveSubtask(st model.Subtask) {
	row := model.SubtaskLog{
		TaskID:      st.TaskID,
		Index:       st.Index,
		WorkerID:    st.WorkerID,
		StartFrame:  st.Start,
		EndFrame:    st.End,
		LatestFrame: st.LatestFrame,
		Portion:     st.Portion,
		Stage:       st.Stage,
		CreatedAt:   st.CreatedAt,
	}
	if row.LatestFrame != nil {
		v := *row.LatestFrame
		row.LatestFrame = &v
	}
	s.enqueue("save subtask "+st.Key(), func() error {
		return s.db.Clauses(upsert).Create(&row).Error
	})
}

// SaveWorker upserts the worker's registration.
func (s *Store) SaveWorker(w model.Worker) {
	row := model.WorkerRecord{
		WorkerID:         w.ID,
		Host:             w.Host,
		Port:             w.Port,
		PerformanceScore: w.PerformanceScore,
		Status:           w.Status,
		RegisteredAt:     w.RegisteredAt,
		UpdatedAt:        w.UpdatedAt,
	}
	s.enqueue("save worker "+w.ID, func() error {
		return s.db.Clauses(upsert).Create(&row).Error
	})
}

// DeleteTask removes a discarded task and its subtasks.
func (s *Store) DeleteTask(taskID string) {
	s.enqueue("delete task "+taskID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("task_id = ?", taskID).Delete(&model.SubtaskLog{}).Error; err != nil {
				return err
			}
			return tx.Where("task_id = ?", taskID).Delete(&model.TaskLog{}).Error
		})
	})
}

// ─────────────────────────────────────────────
// Startup reads
// ─────────────────────────────────────────────

// LoadWorkers returns every worker ever registered.
func (s *Store) LoadWorkers() ([]model.Worker, error) {
	var rows []model.WorkerRecord
	if err := s.db.Order("worker_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load workers")
	}
	out := make([]model.Worker, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Worker{
			ID:               r.WorkerID,
			Host:             r.Host,
			Port:             r.Port,
			PerformanceScore: r.PerformanceScore,
			Status:           r.Status,
			RegisteredAt:     r.RegisteredAt,
			UpdatedAt:        r.UpdatedAt,
		})
	}
	return out, nil
}

// MaxTaskCounter returns the highest task counter on record, and false when
// no task was ever stored.
func (s *Store) MaxTaskCounter() (uint64, bool, error) {
	var row model.TaskLog
	err := s.db.Order("counter DESC").Limit(1).Find(&row).Error
	if err != nil {
		return 0, false, errors.Wrap(err, "max task counter")
	}
	if row.TaskID == "" {
		return 0, false, nil
	}
	return row.Counter, true, nil
}

// Nop discards every write. It is used when no database is configured.
type Nop struct{}

func (Nop) SaveTask(model.Task)       {}
func (Nop) SaveSubtask(model.Subtask) {}
func (Nop) SaveWorker(model.Worker)   {}
func (Nop) DeleteTask(string)         {}
