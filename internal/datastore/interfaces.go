// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/trunkfeed/trunkfeed/internal/conf"
)

// Interface abstracts the underlying database implementation and defines the
// catalog store contract the pipeline components depend on.
type Interface interface {
	Open() error
	Close() error

	// users and credentials
	UserByToken(token string) (User, error)
	GetUser(id uint) (User, error)
	RecorderByAPIKey(apiKey string) (SystemRecorder, error)

	// catalog reads
	GetSystem(id uint) (System, error)
	GetSystems() ([]System, error)
	PruneEnabledSystems() ([]System, error)
	SystemACLByID(id uint) (SystemACL, error)
	TalkGroupByID(id uint) (TalkGroup, error)
	TalkGroupsBySystem(systemID uint) ([]TalkGroup, error)
	TalkGroupACLs() ([]TalkGroupACL, error)
	TalkGroupACLsForUser(userID uint) ([]TalkGroupACL, error)
	UnitByID(id uint) (Unit, error)

	// dedup get-or-create, atomic per (system, decimal id) key
	GetOrCreateTalkGroup(systemID, decimalID uint, alphaTag, description, mode string, encrypted bool) (TalkGroup, bool, error)
	GetOrCreateUnit(systemID, decimalID uint, description string) (Unit, bool, error)

	// transmissions
	SaveTransmission(tx *Transmission) error
	GetTransmission(id uint) (Transmission, error)
	DeleteTransmission(id uint) error
	LockTransmission(id uint) error
	UnlockTransmission(id uint) error
	SetTranscript(id uint, transcript string) error
	CountRecentOnTalkgroup(systemID, talkGroupID uint, since time.Time) (int64, error)
	DeleteAgedTransmissions(systemID uint, cutoff time.Time, maxDeletions int) (int64, error)

	// fan-out configuration
	EnabledForwarders() ([]SystemForwarder, error)
	EnabledAlerts() ([]UserAlert, error)

	// incidents
	SaveIncident(incident *Incident) error
	GetIncident(id uint) (Incident, error)
}

// DataStore implements Interface using a GORM sqlite database.
type DataStore struct {
	DB       *gorm.DB
	Settings *conf.Settings

	// serializes get-or-create sections; sqlite's single writer plus the
	// unique composite index backstop the invariant, this keeps the
	// read-then-write race out entirely
	dedupMu sync.Mutex
}

// New creates a new DataStore instance from the provided settings.
func New(settings *conf.Settings) *DataStore {
	return &DataStore{Settings: settings}
}

// Open connects to the database and runs migrations.
func (ds *DataStore) Open() error {
	dsn := ds.Settings.Datastore.Path
	// shared cache keeps in-memory test databases visible across connections
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	logLevel := logger.Silent
	if ds.Settings.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	ds.DB = db
	return ds.migrate()
}

// migrate creates or updates the database schema.
func (ds *DataStore) migrate() error {
	err := ds.DB.AutoMigrate(
		&User{},
		&System{},
		&SystemACL{},
		&SystemACLMember{},
		&Agency{},
		&TalkGroup{},
		&Unit{},
		&TalkGroupACL{},
		&TalkGroupACLMember{},
		&SystemRecorder{},
		&Transmission{},
		&HeardUnit{},
		&HopFrequency{},
		&SystemForwarder{},
		&Incident{},
		&UserAlert{},
		&UserAlertURL{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("getting generic database handle: %w", err)
	}
	return sqlDB.Close()
}
