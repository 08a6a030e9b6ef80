// Package historystore persists completed relay records beyond the
// in-memory 300-snapshot/500-event ring caps (spec.md §3), so the dashboard
// can query a longer lookback than the live telemetry artifact holds. This
// is a supplemental feature: spec.md's Non-goals exclude policy
// persistence, not traffic history.
package historystore

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"filterproxy/internal/logx"
	"filterproxy/internal/telemetry"
)

var log = logx.New(logx.WithPrefix("historystore"))

// Record mirrors a telemetry.ClosedRelay in storable form, one row per
// completed/stream-blocked/errored relay -- a single table, collapsed from
// the teacher's day-partitioned traffic log since this proxy has no
// multi-tenant volume to partition for.
type Record struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index"`
	Host         string `gorm:"column:host;index"`
	Port         int    `gorm:"column:port"`
	SNI          string `gorm:"column:sni;index"`
	StartTime    int64  `gorm:"column:start_time;index"`
	EndTime      int64  `gorm:"column:end_time"`
	BytesUp      int64  `gorm:"column:bytes_up"`
	BytesDown    int64  `gorm:"column:bytes_down"`
	Outcome      string `gorm:"column:outcome"`
}

func (Record) TableName() string { return "relay_history" }

type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Sink returns a telemetry.Recorder.OnRelayClosed-compatible callback that
// persists each closed relay. Write failures are logged and swallowed --
// history is best-effort, never allowed to affect relay teardown.
func (s *Store) Sink() func(telemetry.ClosedRelay) {
	return func(c telemetry.ClosedRelay) {
		rec := Record{
			ConnectionID: c.ConnectionID,
			Host:         c.Host,
			Port:         int(c.Port),
			SNI:          c.SNI,
			StartTime:    c.StartTime.UnixMilli(),
			EndTime:      c.EndTime.UnixMilli(),
			BytesUp:      c.BytesUp,
			BytesDown:    c.BytesDown,
			Outcome:      c.Outcome,
		}
		if err := s.db.Create(&rec).Error; err != nil {
			log.Warnf("failed to persist relay history for connection %d: %v", c.ConnectionID, err)
		}
	}
}

// Query is a paginated, optionally host-filtered, time-ranged lookup over
// relay_history, backing GET /history.
type Query struct {
	Start time.Time
	End   time.Time
	Host  string
	Page  int
	Size  int
}

func (s *Store) Query(q Query) ([]Record, int64, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.Size
	if size <= 0 || size > 200 {
		size = 50
	}

	db := s.db.Model(&Record{})
	if !q.Start.IsZero() {
		db = db.Where("start_time >= ?", q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		db = db.Where("start_time <= ?", q.End.UnixMilli())
	}
	if q.Host != "" {
		db = db.Where("host LIKE ?", "%"+q.Host+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []Record
	if err := db.Order("start_time DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
