// Package acl computes per-user visibility over systems and talkgroups.
//
// The resolver is a pure function pair over explicit set membership: a
// system is visible iff its ACL is public or the user is a member, and
// talkgroup visibility is the union of allowed sets across the talkgroup
// ACLs the user belongs to. Results are identical regardless of call path;
// the embedded cache is a read-through over store rows and never changes
// outcomes, only load.
package acl

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/trunkfeed/trunkfeed/internal/datastore"
)

const (
	cacheTTL      = 10 * time.Second
	cacheSweep    = time.Minute
	keyUserPrefix = "user:"
	keySysACL     = "sysacl:"
	keyUserACLs   = "tgacls:"
	keySystemTGs  = "systgs:"
)

// Resolver answers visibility questions for users against the catalog store.
type Resolver struct {
	store datastore.Interface
	cache *gocache.Cache
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store datastore.Interface) *Resolver {
	return &Resolver{
		store: store,
		cache: gocache.New(cacheTTL, cacheSweep),
	}
}

func (r *Resolver) user(userID uint) (datastore.User, error) {
	key := fmt.Sprintf("%s%d", keyUserPrefix, userID)
	if cached, found := r.cache.Get(key); found {
		return cached.(datastore.User), nil
	}
	user, err := r.store.GetUser(userID)
	if err != nil {
		return datastore.User{}, err
	}
	r.cache.SetDefault(key, user)
	return user, nil
}

func (r *Resolver) systemACL(aclID uint) (datastore.SystemACL, error) {
	key := fmt.Sprintf("%s%d", keySysACL, aclID)
	if cached, found := r.cache.Get(key); found {
		return cached.(datastore.SystemACL), nil
	}
	acl, err := r.store.SystemACLByID(aclID)
	if err != nil {
		return datastore.SystemACL{}, err
	}
	r.cache.SetDefault(key, acl)
	return acl, nil
}

func (r *Resolver) userTalkgroupACLs(userID uint) ([]datastore.TalkGroupACL, error) {
	key := fmt.Sprintf("%s%d", keyUserACLs, userID)
	if cached, found := r.cache.Get(key); found {
		return cached.([]datastore.TalkGroupACL), nil
	}
	acls, err := r.store.TalkGroupACLsForUser(userID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, acls)
	return acls, nil
}

// systemVisible implements the system-level rule: public ACL or membership.
func (r *Resolver) systemVisible(system *datastore.System, userID uint) (bool, error) {
	acl, err := r.systemACL(system.SystemACLID)
	if err != nil {
		return false, fmt.Errorf("resolving ACL for system %d: %w", system.ID, err)
	}
	if acl.Public {
		return true, nil
	}
	for i := range acl.Members {
		if acl.Members[i].UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// VisibleSystems returns the set of system ids the user may see.
func (r *Resolver) VisibleSystems(userID uint) (map[uint]struct{}, error) {
	systems, err := r.store.GetSystems()
	if err != nil {
		return nil, fmt.Errorf("listing systems: %w", err)
	}

	visible := make(map[uint]struct{}, len(systems))

	user, err := r.user(userID)
	if err == nil && user.IsAdmin {
		for i := range systems {
			visible[systems[i].ID] = struct{}{}
		}
		return visible, nil
	}

	for i := range systems {
		ok, err := r.systemVisible(&systems[i], userID)
		if err != nil {
			return nil, err
		}
		if ok {
			visible[systems[i].ID] = struct{}{}
		}
	}
	return visible, nil
}

// VisibleTalkgroups returns the set of talkgroup ids of a system the user
// may see. When the system does not use talkgroup ACLs every talkgroup is
// visible; otherwise visibility is exactly the union of allowed sets across
// the ACLs the user is a member of.
func (r *Resolver) VisibleTalkgroups(systemID, userID uint) (map[uint]struct{}, error) {
	system, err := r.store.GetSystem(systemID)
	if err != nil {
		return nil, fmt.Errorf("getting system %d: %w", systemID, err)
	}

	user, err := r.user(userID)
	isAdmin := err == nil && user.IsAdmin

	if !system.TalkgroupACLsEnabled || isAdmin {
		talkgroups, err := r.systemTalkgroups(systemID)
		if err != nil {
			return nil, err
		}
		visible := make(map[uint]struct{}, len(talkgroups))
		for i := range talkgroups {
			visible[talkgroups[i].ID] = struct{}{}
		}
		return visible, nil
	}

	acls, err := r.userTalkgroupACLs(userID)
	if err != nil {
		return nil, fmt.Errorf("getting talkgroup ACLs for user %d: %w", userID, err)
	}

	visible := make(map[uint]struct{})
	for i := range acls {
		for j := range acls[i].AllowedTalkGroups {
			tg := &acls[i].AllowedTalkGroups[j]
			if tg.SystemID == systemID {
				visible[tg.ID] = struct{}{}
			}
		}
	}
	return visible, nil
}

func (r *Resolver) systemTalkgroups(systemID uint) ([]datastore.TalkGroup, error) {
	key := fmt.Sprintf("%s%d", keySystemTGs, systemID)
	if cached, found := r.cache.Get(key); found {
		return cached.([]datastore.TalkGroup), nil
	}
	tgs, err := r.store.TalkGroupsBySystem(systemID)
	if err != nil {
		return nil, fmt.Errorf("getting talkgroups for system %d: %w", systemID, err)
	}
	r.cache.SetDefault(key, tgs)
	return tgs, nil
}

// CanAccessTransmission reports whether the user may see the transmission's
// detail payload.
func (r *Resolver) CanAccessTransmission(tx *datastore.Transmission, userID uint) (bool, error) {
	user, err := r.user(userID)
	if err == nil && user.IsAdmin {
		return true, nil
	}

	system, err := r.store.GetSystem(tx.SystemID)
	if err != nil {
		return false, fmt.Errorf("getting system %d: %w", tx.SystemID, err)
	}

	ok, err := r.systemVisible(&system, userID)
	if err != nil || !ok {
		return false, err
	}

	if !system.TalkgroupACLsEnabled {
		return true, nil
	}

	acls, err := r.userTalkgroupACLs(userID)
	if err != nil {
		return false, fmt.Errorf("getting talkgroup ACLs for user %d: %w", userID, err)
	}
	return aclsAllow(acls, tx.TalkGroupID, nil), nil
}

// CanDownload reports whether the user may download the transmission audio.
// On systems without talkgroup ACLs plain access suffices; otherwise the
// matching ACL row must carry the download flag.
func (r *Resolver) CanDownload(tx *datastore.Transmission, userID uint) (bool, error) {
	return r.canWithFlag(tx, userID, func(acl *datastore.TalkGroupACL) bool {
		return acl.DownloadAllowed
	})
}

// CanReadTranscript reports whether the user may read the transcript.
func (r *Resolver) CanReadTranscript(tx *datastore.Transmission, userID uint) (bool, error) {
	return r.canWithFlag(tx, userID, func(acl *datastore.TalkGroupACL) bool {
		return acl.TranscriptAllowed
	})
}

func (r *Resolver) canWithFlag(tx *datastore.Transmission, userID uint, flag func(*datastore.TalkGroupACL) bool) (bool, error) {
	user, err := r.user(userID)
	if err == nil && user.IsAdmin {
		return true, nil
	}

	system, err := r.store.GetSystem(tx.SystemID)
	if err != nil {
		return false, fmt.Errorf("getting system %d: %w", tx.SystemID, err)
	}

	ok, err := r.systemVisible(&system, userID)
	if err != nil || !ok {
		return false, err
	}

	if !system.TalkgroupACLsEnabled {
		return true, nil
	}

	acls, err := r.userTalkgroupACLs(userID)
	if err != nil {
		return false, fmt.Errorf("getting talkgroup ACLs for user %d: %w", userID, err)
	}
	return aclsAllow(acls, tx.TalkGroupID, flag), nil
}

// aclsAllow reports whether any ACL contains the talkgroup and, when a flag
// selector is given, carries that flag on the same row.
func aclsAllow(acls []datastore.TalkGroupACL, talkGroupID uint, flag func(*datastore.TalkGroupACL) bool) bool {
	for i := range acls {
		for j := range acls[i].AllowedTalkGroups {
			if acls[i].AllowedTalkGroups[j].ID == talkGroupID {
				if flag == nil || flag(&acls[i]) {
					return true
				}
			}
		}
	}
	return false
}

// Invalidate drops all cached rows, forcing the next resolution to re-read
// the store. Mutating collaborators call this after ACL changes.
func (r *Resolver) Invalidate() {
	r.cache.Flush()
}
