// catalog.go: read accessors and dedup get-or-create over catalog entities
package datastore

import (
	"fmt"

	"gorm.io/gorm"
)

// UserByToken resolves a realtime connect credential to a user.
func (ds *DataStore) UserByToken(token string) (User, error) {
	var user User
	if err := ds.DB.Where("token = ?", token).First(&user).Error; err != nil {
		return User{}, fmt.Errorf("getting user by token: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id.
func (ds *DataStore) GetUser(id uint) (User, error) {
	var user User
	if err := ds.DB.First(&user, id).Error; err != nil {
		return User{}, fmt.Errorf("getting user %d: %w", id, err)
	}
	return user, nil
}

// RecorderByAPIKey resolves a recorder credential, preloading its
// talkgroup allow and deny lists.
func (ds *DataStore) RecorderByAPIKey(apiKey string) (SystemRecorder, error) {
	var recorder SystemRecorder
	err := ds.DB.
		Preload("AllowedTalkGroups").
		Preload("DeniedTalkGroups").
		Where("api_key = ?", apiKey).
		First(&recorder).Error
	if err != nil {
		return SystemRecorder{}, fmt.Errorf("getting recorder by api key: %w", err)
	}
	return recorder, nil
}

// GetSystem retrieves a system by id.
func (ds *DataStore) GetSystem(id uint) (System, error) {
	var system System
	if err := ds.DB.First(&system, id).Error; err != nil {
		return System{}, fmt.Errorf("getting system %d: %w", id, err)
	}
	return system, nil
}

// GetSystems returns all systems.
func (ds *DataStore) GetSystems() ([]System, error) {
	var systems []System
	if err := ds.DB.Find(&systems).Error; err != nil {
		return nil, fmt.Errorf("getting systems: %w", err)
	}
	return systems, nil
}

// PruneEnabledSystems returns systems with retention pruning enabled.
func (ds *DataStore) PruneEnabledSystems() ([]System, error) {
	var systems []System
	if err := ds.DB.Where("prune_enabled = ?", true).Find(&systems).Error; err != nil {
		return nil, fmt.Errorf("getting prune-enabled systems: %w", err)
	}
	return systems, nil
}

// SystemACLByID retrieves a system ACL with its members.
func (ds *DataStore) SystemACLByID(id uint) (SystemACL, error) {
	var acl SystemACL
	if err := ds.DB.Preload("Members").First(&acl, id).Error; err != nil {
		return SystemACL{}, fmt.Errorf("getting system ACL %d: %w", id, err)
	}
	return acl, nil
}

// TalkGroupByID retrieves a talkgroup with its agencies.
func (ds *DataStore) TalkGroupByID(id uint) (TalkGroup, error) {
	var tg TalkGroup
	if err := ds.DB.Preload("Agencies").First(&tg, id).Error; err != nil {
		return TalkGroup{}, fmt.Errorf("getting talkgroup %d: %w", id, err)
	}
	return tg, nil
}

// TalkGroupsBySystem returns all talkgroups of a system.
func (ds *DataStore) TalkGroupsBySystem(systemID uint) ([]TalkGroup, error) {
	var tgs []TalkGroup
	if err := ds.DB.Where("system_id = ?", systemID).Find(&tgs).Error; err != nil {
		return nil, fmt.Errorf("getting talkgroups for system %d: %w", systemID, err)
	}
	return tgs, nil
}

// TalkGroupACLs returns all talkgroup ACLs with members and allowed sets.
func (ds *DataStore) TalkGroupACLs() ([]TalkGroupACL, error) {
	var acls []TalkGroupACL
	err := ds.DB.
		Preload("Members").
		Preload("AllowedTalkGroups").
		Find(&acls).Error
	if err != nil {
		return nil, fmt.Errorf("getting talkgroup ACLs: %w", err)
	}
	return acls, nil
}

// TalkGroupACLsForUser returns the talkgroup ACLs the user is a member of,
// with their allowed talkgroup sets preloaded.
func (ds *DataStore) TalkGroupACLsForUser(userID uint) ([]TalkGroupACL, error) {
	var acls []TalkGroupACL
	err := ds.DB.
		Preload("Members").
		Preload("AllowedTalkGroups").
		Joins("JOIN talk_group_acl_members ON talk_group_acl_members.talk_group_acl_id = talk_group_acls.id").
		Where("talk_group_acl_members.user_id = ?", userID).
		Find(&acls).Error
	if err != nil {
		return nil, fmt.Errorf("getting talkgroup ACLs for user %d: %w", userID, err)
	}
	return acls, nil
}

// UnitByID retrieves a unit by id.
func (ds *DataStore) UnitByID(id uint) (Unit, error) {
	var unit Unit
	if err := ds.DB.First(&unit, id).Error; err != nil {
		return Unit{}, fmt.Errorf("getting unit %d: %w", id, err)
	}
	return unit, nil
}

// GetOrCreateTalkGroup resolves the talkgroup for (systemID, decimalID),
// creating it when absent. The placeholder supersession rule applies: an
// existing untagged row is updated in place when tagged data arrives, and
// incoming untagged data never downgrades an existing tagged row. When a row
// is created, every TalkGroupACL with ApplyToNewTalkgroups gains it in the
// same transaction, so a reader never observes the talkgroup without its
// grants. Returns the row and whether it was created.
func (ds *DataStore) GetOrCreateTalkGroup(systemID, decimalID uint, alphaTag, description, mode string, encrypted bool) (TalkGroup, bool, error) {
	ds.dedupMu.Lock()
	defer ds.dedupMu.Unlock()

	var result TalkGroup
	created := false

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing TalkGroup
		err := tx.Where("system_id = ? AND decimal_id = ?", systemID, decimalID).First(&existing).Error
		switch {
		case err == nil:
			if alphaTag != "" && (!existing.Tagged() || existing.AlphaTag != alphaTag || existing.Description != description) {
				// tagged data supersedes the placeholder (or refreshes stale tags)
				existing.AlphaTag = alphaTag
				existing.Description = description
				if mode != "" {
					existing.Mode = mode
				}
				existing.Encrypted = encrypted
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("superseding talkgroup %d/%d: %w", systemID, decimalID, err)
				}
			}
			result = existing
			return nil
		case err == gorm.ErrRecordNotFound:
			// fall through to create
		default:
			return fmt.Errorf("looking up talkgroup %d/%d: %w", systemID, decimalID, err)
		}

		tg := TalkGroup{
			SystemID:    systemID,
			DecimalID:   decimalID,
			AlphaTag:    alphaTag,
			Description: description,
			Mode:        mode,
			Encrypted:   encrypted,
		}
		if tg.Mode == "" {
			tg.Mode = ModeDigital
		}
		if err := tx.Create(&tg).Error; err != nil {
			return fmt.Errorf("creating talkgroup %d/%d: %w", systemID, decimalID, err)
		}

		// auto-grant to ACLs tracking new talkgroups, atomically with creation
		var grantACLs []TalkGroupACL
		if err := tx.Where("apply_to_new_talkgroups = ?", true).Find(&grantACLs).Error; err != nil {
			return fmt.Errorf("finding auto-grant ACLs: %w", err)
		}
		for i := range grantACLs {
			if err := tx.Model(&grantACLs[i]).Association("AllowedTalkGroups").Append(&tg); err != nil {
				return fmt.Errorf("granting talkgroup %d to ACL %d: %w", tg.ID, grantACLs[i].ID, err)
			}
		}

		result = tg
		created = true
		return nil
	})
	if err != nil {
		return TalkGroup{}, false, err
	}
	return result, created, nil
}

// GetOrCreateUnit resolves the unit for (systemID, decimalID), creating it
// when absent. A described row supersedes an undescribed placeholder in
// place; incoming empty descriptions never downgrade an existing row.
func (ds *DataStore) GetOrCreateUnit(systemID, decimalID uint, description string) (Unit, bool, error) {
	ds.dedupMu.Lock()
	defer ds.dedupMu.Unlock()

	var result Unit
	created := false

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing Unit
		err := tx.Where("system_id = ? AND decimal_id = ?", systemID, decimalID).First(&existing).Error
		switch {
		case err == nil:
			if description != "" && existing.Description != description {
				existing.Description = description
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("superseding unit %d/%d: %w", systemID, decimalID, err)
				}
			}
			result = existing
			return nil
		case err == gorm.ErrRecordNotFound:
			// fall through to create
		default:
			return fmt.Errorf("looking up unit %d/%d: %w", systemID, decimalID, err)
		}

		unit := Unit{SystemID: systemID, DecimalID: decimalID, Description: description}
		if err := tx.Create(&unit).Error; err != nil {
			return fmt.Errorf("creating unit %d/%d: %w", systemID, decimalID, err)
		}
		result = unit
		created = true
		return nil
	})
	if err != nil {
		return Unit{}, false, err
	}
	return result, created, nil
}

// EnabledForwarders returns all enabled forwarders with their forwarded
// system sets and talkgroup filters preloaded.
func (ds *DataStore) EnabledForwarders() ([]SystemForwarder, error) {
	var forwarders []SystemForwarder
	err := ds.DB.
		Preload("ForwardedSystems").
		Preload("TalkGroupFilter").
		Where("enabled = ?", true).
		Find(&forwarders).Error
	if err != nil {
		return nil, fmt.Errorf("getting enabled forwarders: %w", err)
	}
	return forwarders, nil
}

// EnabledAlerts returns all enabled user alerts with their target sets and
// external URLs preloaded.
func (ds *DataStore) EnabledAlerts() ([]UserAlert, error) {
	var alerts []UserAlert
	err := ds.DB.
		Preload("TalkGroups").
		Preload("Units").
		Preload("ExternalURLs").
		Where("enabled = ?", true).
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("getting enabled alerts: %w", err)
	}
	return alerts, nil
}
