// transmissions.go: transmission and incident persistence
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SaveTransmission stores a transmission and its associated heard-unit and
// frequency-hop rows as a single transaction.
func (ds *DataStore) SaveTransmission(transmission *Transmission) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(transmission).Error; err != nil {
			return fmt.Errorf("saving transmission: %w", err)
		}
		return nil
	})
}

// GetTransmission retrieves a transmission with its heard units and
// frequency hops.
func (ds *DataStore) GetTransmission(id uint) (Transmission, error) {
	var transmission Transmission
	err := ds.DB.
		Preload("HeardUnits").
		Preload("HopFrequencies").
		First(&transmission, id).Error
	if err != nil {
		return Transmission{}, fmt.Errorf("getting transmission %d: %w", id, err)
	}
	return transmission, nil
}

// DeleteTransmission removes a single transmission. Locked transmissions
// are never deleted.
func (ds *DataStore) DeleteTransmission(id uint) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var transmission Transmission
		if err := tx.First(&transmission, id).Error; err != nil {
			return fmt.Errorf("getting transmission %d for delete: %w", id, err)
		}
		if transmission.Locked {
			return fmt.Errorf("transmission %d is locked and cannot be deleted", id)
		}
		if err := tx.Where("transmission_id = ?", id).Delete(&HeardUnit{}).Error; err != nil {
			return fmt.Errorf("deleting heard units for transmission %d: %w", id, err)
		}
		if err := tx.Where("transmission_id = ?", id).Delete(&HopFrequency{}).Error; err != nil {
			return fmt.Errorf("deleting hop frequencies for transmission %d: %w", id, err)
		}
		if err := tx.Delete(&Transmission{}, id).Error; err != nil {
			return fmt.Errorf("deleting transmission %d: %w", id, err)
		}
		return nil
	})
}

// LockTransmission marks a transmission as locked, protecting it from pruning.
func (ds *DataStore) LockTransmission(id uint) error {
	return ds.setLocked(id, true)
}

// UnlockTransmission clears the lock flag.
func (ds *DataStore) UnlockTransmission(id uint) error {
	return ds.setLocked(id, false)
}

func (ds *DataStore) setLocked(id uint, locked bool) error {
	result := ds.DB.Model(&Transmission{}).Where("id = ?", id).Update("locked", locked)
	if result.Error != nil {
		return fmt.Errorf("updating lock on transmission %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transmission %d not found", id)
	}
	return nil
}

// SetTranscript updates the transcript of a transmission.
func (ds *DataStore) SetTranscript(id uint, transcript string) error {
	result := ds.DB.Model(&Transmission{}).Where("id = ?", id).Update("transcript", transcript)
	if result.Error != nil {
		return fmt.Errorf("updating transcript on transmission %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transmission %d not found", id)
	}
	return nil
}

// CountRecentOnTalkgroup counts transmissions on a talkgroup since the given
// time, used by the alert engine's count-over-window check. The count is
// against persisted state at evaluation time; near-simultaneous
// transmissions not yet persisted are intentionally not included.
func (ds *DataStore) CountRecentOnTalkgroup(systemID, talkGroupID uint, since time.Time) (int64, error) {
	var count int64
	err := ds.DB.Model(&Transmission{}).
		Where("system_id = ? AND talk_group_id = ? AND start_time >= ?", systemID, talkGroupID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting recent transmissions on talkgroup %d: %w", talkGroupID, err)
	}
	return count, nil
}

// DeleteAgedTransmissions bulk-deletes unlocked transmissions of a system
// older than the cutoff, up to maxDeletions rows per call. Locked rows are
// never touched. Returns the number of deleted transmissions.
func (ds *DataStore) DeleteAgedTransmissions(systemID uint, cutoff time.Time, maxDeletions int) (int64, error) {
	var ids []uint
	err := ds.DB.Model(&Transmission{}).
		Where("system_id = ? AND start_time < ? AND locked = ?", systemID, cutoff, false).
		Order("start_time ASC").
		Limit(maxDeletions).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("selecting aged transmissions for system %d: %w", systemID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transmission_id IN ?", ids).Delete(&HeardUnit{}).Error; err != nil {
			return fmt.Errorf("deleting heard units: %w", err)
		}
		if err := tx.Where("transmission_id IN ?", ids).Delete(&HopFrequency{}).Error; err != nil {
			return fmt.Errorf("deleting hop frequencies: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Transmission{}).Error; err != nil {
			return fmt.Errorf("deleting transmissions: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// SaveIncident creates or updates an incident with its associations.
func (ds *DataStore) SaveIncident(incident *Incident) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(incident).Error; err != nil {
			return fmt.Errorf("saving incident: %w", err)
		}
		return nil
	})
}

// GetIncident retrieves an incident with its linked transmissions and agencies.
func (ds *DataStore) GetIncident(id uint) (Incident, error) {
	var incident Incident
	err := ds.DB.
		Preload("Transmissions").
		Preload("Agencies").
		First(&incident, id).Error
	if err != nil {
		return Incident{}, fmt.Errorf("getting incident %d: %w", id, err)
	}
	return incident, nil
}
