package journal

import (
	"time"

	"vehicle-telemetry-core/internal/core/event"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Journal durably records emitted telemetry events and twin protocol
// error diagnostics, independent of whether the cloud ever received
// them. Satisfying this interface is additive instrumentation: the
// core's correctness never depends on a Journal implementation being
// present, per the Non-goal that rules out a cross-restart persistence
// requirement.
type Journal interface {
	Record(e event.Event) error
	RecordError(data []byte) error
	Close() error
}

// NullJournal is the default: every call is a no-op.
type NullJournal struct{}

func (NullJournal) Record(event.Event) error  { return nil }
func (NullJournal) RecordError([]byte) error  { return nil }
func (NullJournal) Close() error              { return nil }

// EventRecord is the gorm model backing the durable telemetry record.
type EventRecord struct {
	ID        uint `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Sequence  uint64 `gorm:"index"`
	EventType string
	Timestamp string
	SpeedKph  float64
	Lat       float64
	Lon       float64
	CreatedAt time.Time
}

// TwinErrorRecord is the gorm model backing the twin_errors diagnostic
// table SPEC_FULL.md §14 names.
type TwinErrorRecord struct {
	ID        uint `gorm:"primaryKey"`
	Payload   string
	CreatedAt time.Time
}

func (TwinErrorRecord) TableName() string { return "twin_errors" }

// GormJournal persists to Postgres via gorm.io/driver/postgres, with
// jackc/pgx/v5 as the underlying driver.
type GormJournal struct {
	db *gorm.DB
}

// NewGormJournal opens a connection and migrates the two journal tables.
func NewGormJournal(dsn string) (*GormJournal, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventRecord{}, &TwinErrorRecord{}); err != nil {
		return nil, err
	}
	return &GormJournal{db: db}, nil
}

func (j *GormJournal) Record(e event.Event) error {
	rec := EventRecord{
		DeviceID:  e.DeviceID,
		Sequence:  e.Sequence,
		EventType: e.Type.String(),
		Timestamp: e.Timestamp,
		SpeedKph:  e.SpeedKph,
		Lat:       e.Location.Lat,
		Lon:       e.Location.Lon,
	}
	return j.db.Create(&rec).Error
}

func (j *GormJournal) RecordError(data []byte) error {
	return j.db.Create(&TwinErrorRecord{Payload: string(data)}).Error
}

func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
