// model.go this code defines the data model for the application
package datastore

import (
	"strconv"
	"time"
)

// TalkGroup modes
const (
	ModeDigital = "digital"
	ModeAnalog  = "analog"
	ModeTDMA    = "tdma"
	ModeMixed   = "mixed"
)

// User represents an account that can view transmissions. Account
// provisioning lives outside the core; the pipeline only reads these rows
// for ACL resolution and realtime authentication.
type User struct {
	ID       uint   `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex;not null"`
	Token    string `gorm:"uniqueIndex"` // realtime connect credential
	IsAdmin  bool   // site administrators bypass all ACL checks
}

// System represents one radio system transmissions belong to
type System struct {
	ID                   uint   `gorm:"primaryKey"`
	Name                 string `gorm:"uniqueIndex;not null"`
	Site                 string
	SystemACLID          uint `gorm:"index"`
	TalkgroupACLsEnabled bool
	PruneEnabled         bool
	PruneDays            int
}

// SystemACL grants system visibility to a set of users
type SystemACL struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"not null"`
	Public  bool
	Members []SystemACLMember `gorm:"foreignKey:SystemACLID;constraint:OnDelete:CASCADE"`
}

// SystemACLMember is one user granted visibility by a SystemACL
type SystemACLMember struct {
	ID          uint `gorm:"primaryKey"`
	SystemACLID uint `gorm:"index:idx_sysacl_member,unique;not null"`
	UserID      uint `gorm:"index:idx_sysacl_member,unique;index;not null"`
}

// Agency represents the organization a talkgroup or incident belongs to
type Agency struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null"`
	City string
}

// TalkGroup is a logical channel within a system, identified by its decimal
// id. At most one row may exist per (system, decimal id); an untagged
// placeholder row is superseded in place when tagged data arrives.
type TalkGroup struct {
	ID          uint   `gorm:"primaryKey"`
	SystemID    uint   `gorm:"index:idx_talkgroup_key,unique;not null"`
	DecimalID   uint   `gorm:"index:idx_talkgroup_key,unique;not null"`
	AlphaTag    string // empty marks a placeholder row
	Description string
	Mode        string `gorm:"type:varchar(10)"`
	Encrypted   bool
	Agencies    []Agency `gorm:"many2many:talk_group_agencies"`
}

// Tagged reports whether this row carries real catalog data rather than
// being an auto-created placeholder.
func (tg *TalkGroup) Tagged() bool {
	return tg.AlphaTag != ""
}

// DisplayTag returns the alpha tag, falling back to the decimal id.
func (tg *TalkGroup) DisplayTag() string {
	if tg.AlphaTag != "" {
		return tg.AlphaTag
	}
	return strconv.FormatUint(uint64(tg.DecimalID), 10)
}

// Unit is a radio identified by its decimal id within a system. Same
// placeholder supersession rule as TalkGroup, keyed on an empty description.
type Unit struct {
	ID          uint `gorm:"primaryKey"`
	SystemID    uint `gorm:"index:idx_unit_key,unique;not null"`
	DecimalID   uint `gorm:"index:idx_unit_key,unique;not null"`
	Description string
}

// DisplayName returns the description, falling back to the decimal id.
func (u *Unit) DisplayName() string {
	if u.Description != "" {
		return u.Description
	}
	return strconv.FormatUint(uint64(u.DecimalID), 10)
}

// TalkGroupACL grants per-talkgroup visibility to a set of users when the
// owning system has talkgroup ACLs enabled
type TalkGroupACL struct {
	ID                   uint   `gorm:"primaryKey"`
	Name                 string `gorm:"not null"`
	Members              []TalkGroupACLMember `gorm:"foreignKey:TalkGroupACLID;constraint:OnDelete:CASCADE"`
	AllowedTalkGroups    []TalkGroup          `gorm:"many2many:talk_group_acl_allowed"`
	ApplyToNewTalkgroups bool
	ApplyToNewUsers      bool
	DownloadAllowed      bool
	TranscriptAllowed    bool
}

// TalkGroupACLMember is one user covered by a TalkGroupACL
type TalkGroupACLMember struct {
	ID             uint `gorm:"primaryKey"`
	TalkGroupACLID uint `gorm:"index:idx_tgacl_member,unique;not null"`
	UserID         uint `gorm:"index:idx_tgacl_member,unique;index;not null"`
}

// SystemRecorder is a credentialed ingestion source bound to one system
type SystemRecorder struct {
	ID               uint   `gorm:"primaryKey"`
	SystemID         uint   `gorm:"index;not null"`
	Name             string
	APIKey           string `gorm:"uniqueIndex;not null"`
	Enabled          bool
	AllowedTalkGroups []TalkGroup `gorm:"many2many:recorder_allowed_talkgroups"`
	DeniedTalkGroups  []TalkGroup `gorm:"many2many:recorder_denied_talkgroups"`
}

// Transmission is one recorded radio call. Created only by the ingestion
// validator; mutated only via lock/unlock and transcript update; deleted by
// the retention pruner or a single-record admin delete, never while locked.
type Transmission struct {
	ID             uint      `gorm:"primaryKey"`
	UUID           string    `gorm:"uniqueIndex;not null"` // stable identity across federation
	SystemID       uint      `gorm:"index:idx_tx_system_start;not null"`
	RecorderID     uint      `gorm:"index"`
	TalkGroupID    uint      `gorm:"index:idx_tx_talkgroup_start;not null"`
	StartTime      time.Time `gorm:"index:idx_tx_system_start;index:idx_tx_talkgroup_start"`
	EndTime        time.Time
	Frequency      int64
	AudioReference string
	Emergency      bool
	Encrypted      bool
	Locked         bool `gorm:"index"`
	Transcript     string
	HeardUnits     []HeardUnit    `gorm:"foreignKey:TransmissionID;constraint:OnDelete:CASCADE"`
	HopFrequencies []HopFrequency `gorm:"foreignKey:TransmissionID;constraint:OnDelete:CASCADE"`
}

// HeardUnit is one radio heard during a transmission
type HeardUnit struct {
	ID             uint      `gorm:"primaryKey"`
	TransmissionID uint      `gorm:"index;not null"`
	UnitID         uint      `gorm:"index;not null"`
	Timestamp      time.Time
	Signal         int
	ErrorCount     int
}

// HopFrequency is one frequency visited during a trunked transmission
type HopFrequency struct {
	ID             uint `gorm:"primaryKey"`
	TransmissionID uint `gorm:"index;not null"`
	Frequency      int64
	Duration       float64
	ErrorCount     int
	SpikeCount     int
}

// SystemForwarder is a configured peer instance receiving mirrored events
type SystemForwarder struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	Enabled          bool
	SharedSecret     string
	RemoteURL        string
	ForwardIncidents bool
	ForwardedSystems []System    `gorm:"many2many:forwarder_systems"`
	TalkGroupFilter  []TalkGroup `gorm:"many2many:forwarder_talkgroups"`
}

// Incident groups transmissions around one real-world event
type Incident struct {
	ID            uint   `gorm:"primaryKey"`
	UUID          string `gorm:"uniqueIndex;not null"`
	SystemID      uint   `gorm:"index;not null"`
	Name          string
	Description   string
	Time          time.Time
	Active        bool
	Transmissions []Transmission `gorm:"many2many:incident_transmissions"`
	Agencies      []Agency       `gorm:"many2many:incident_agencies"`
}

// UserAlert is a per-user notification rule evaluated against every
// accepted transmission
type UserAlert struct {
	ID                   uint `gorm:"primaryKey"`
	UserID               uint `gorm:"index;not null"`
	Name                 string
	Enabled              bool
	EmergencyOnly        bool
	Count                int // minimum qualifying transmissions in the window, 1 fires immediately
	TriggerWindowSeconds int
	WebDelivery          bool
	ExternalDelivery     bool
	TitleTemplate        string
	BodyTemplate         string
	TalkGroups           []TalkGroup    `gorm:"many2many:user_alert_talkgroups"`
	Units                []Unit         `gorm:"many2many:user_alert_units"`
	ExternalURLs         []UserAlertURL `gorm:"foreignKey:UserAlertID;constraint:OnDelete:CASCADE"`
}

// UserAlertURL is one external delivery endpoint for a UserAlert
type UserAlertURL struct {
	ID          uint   `gorm:"primaryKey"`
	UserAlertID uint   `gorm:"index;not null"`
	URL         string `gorm:"not null"`
}
