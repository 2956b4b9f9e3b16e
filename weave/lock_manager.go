package weave

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

// arbitrate per-resource and per-area edit exclusivity on top of the
// locks region.
//
// this is best-effort exclusion, not linearizable: the check is a
// check-then-set over replicated state, so two clients can both observe
// a resource as free before convergence and both acquire it. there is no
// queuing or backoff; callers poll or retry. contention is always a
// return value, never an error.

type LockType string

const (
	LockTypeSoft   LockType = "soft"
	LockTypeHard   LockType = "hard"
	LockTypeRegion LockType = "region"
)

const regionLockKeyPrefix = "region:"

type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (self Rect) Contains(x float64, y float64) bool {
	return self.X <= x && x <= self.X+self.W && self.Y <= y && y <= self.Y+self.H
}

type LockRecord struct {
	Type       LockType `json:"type"`
	OwnerId    Id       `json:"ownerId"`
	AcquiredAt Millis   `json:"acquiredAt"`
	ExpiresAt  Millis   `json:"expiresAt,omitempty"`
	Bounds     *Rect    `json:"bounds,omitempty"`
}

func (self *LockRecord) Expired(now Millis) bool {
	return self.ExpiresAt != 0 && self.ExpiresAt <= now
}

type LockManagerSettings struct {
	// soft locks auto-release after this timeout absent renewal
	SoftLockTimeout time.Duration
}

func DefaultLockManagerSettings() *LockManagerSettings {
	return &LockManagerSettings{
		SoftLockTimeout: 8 * time.Second,
	}
}

type LockManager struct {
	store    ReplicatedStore
	settings *LockManagerSettings

	// locally scheduled soft lock expiry. re-acquire replaces the ttl,
	// unlock deletes the entry. only expiry evictions clear the record.
	expiry *ttlcache.Cache[string, Id]
}

func NewLockManagerWithDefaults(store ReplicatedStore) *LockManager {
	return NewLockManager(store, DefaultLockManagerSettings())
}

func NewLockManager(store ReplicatedStore, settings *LockManagerSettings) *LockManager {
	expiry := ttlcache.New[string, Id](
		ttlcache.WithTTL[string, Id](settings.SoftLockTimeout),
		ttlcache.WithDisableTouchOnHit[string, Id](),
	)

	lockManager := &LockManager{
		store:    store,
		settings: settings,
		expiry:   expiry,
	}

	expiry.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Id]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		lockManager.expireLock(item.Key())
	})
	go expiry.Start()

	return lockManager
}

func (self *LockManager) clientId() Id {
	return self.store.ClientId()
}

func (self *LockManager) record(resourceId string) (*LockRecord, bool) {
	value, ok := self.store.Get(RegionLocks, resourceId)
	if !ok {
		return nil, false
	}
	record, ok := CoerceValue[LockRecord](value)
	if !ok {
		return nil, false
	}
	return &record, true
}

// acquire or refresh a time-bounded exclusivity claim. returns false if
// another live owner holds the resource.
func (self *LockManager) LockSoft(resourceId string) bool {
	now := NowMillis()
	if record, ok := self.record(resourceId); ok {
		if !record.Expired(now) && record.OwnerId != self.clientId() {
			return false
		}
	}

	self.store.Set(RegionLocks, resourceId, LockRecord{
		Type:       LockTypeSoft,
		OwnerId:    self.clientId(),
		AcquiredAt: now,
		ExpiresAt:  now + self.settings.SoftLockTimeout.Milliseconds(),
	})
	self.expiry.Set(resourceId, self.clientId(), self.settings.SoftLockTimeout)
	glog.V(2).Infof("[lock]soft %s by %s\n", resourceId, self.clientId())
	return true
}

// acquire an exclusivity claim that persists until explicit release
func (self *LockManager) LockHard(resourceId string) bool {
	now := NowMillis()
	if record, ok := self.record(resourceId); ok {
		if !record.Expired(now) && record.OwnerId != self.clientId() {
			return false
		}
	}

	self.store.Set(RegionLocks, resourceId, LockRecord{
		Type:       LockTypeHard,
		OwnerId:    self.clientId(),
		AcquiredAt: now,
	})
	// a pending soft expiry must not clear the upgraded lock
	self.expiry.Delete(resourceId)
	glog.V(2).Infof("[lock]hard %s by %s\n", resourceId, self.clientId())
	return true
}

// only effective if the caller is the recorded owner. unlocking a
// missing or foreign resource is a silent no-op.
func (self *LockManager) Unlock(resourceId string) {
	record, ok := self.record(resourceId)
	if !ok || record.OwnerId != self.clientId() {
		return
	}
	self.expiry.Delete(resourceId)
	self.store.Delete(RegionLocks, resourceId)
	glog.V(2).Infof("[lock]unlock %s by %s\n", resourceId, self.clientId())
}

// relative to the caller: false if unlocked, self-owned, or passively
// expired. an expired record is opportunistically cleared on this path.
func (self *LockManager) IsLocked(resourceId string) bool {
	record, ok := self.record(resourceId)
	if !ok {
		return false
	}
	if record.Expired(NowMillis()) {
		self.store.Delete(RegionLocks, resourceId)
		return false
	}
	return record.OwnerId != self.clientId()
}

// the live owner, if any. unlike `IsLocked`, an expired record is left
// in place on this path.
func (self *LockManager) Owner(resourceId string) (Id, bool) {
	record, ok := self.record(resourceId)
	if !ok || record.Expired(NowMillis()) {
		return Id{}, false
	}
	return record.OwnerId, true
}

// claim a rectangular area. arbitration is by point containment, not
// resource id.
func (self *LockManager) LockRegion(regionId string, bounds Rect) bool {
	key := regionLockKeyPrefix + regionId
	now := NowMillis()
	if record, ok := self.record(key); ok {
		if !record.Expired(now) && record.OwnerId != self.clientId() {
			return false
		}
	}

	self.store.Set(RegionLocks, key, LockRecord{
		Type:       LockTypeRegion,
		OwnerId:    self.clientId(),
		AcquiredAt: now,
		Bounds:     &bounds,
	})
	glog.V(2).Infof("[lock]region %s by %s\n", regionId, self.clientId())
	return true
}

func (self *LockManager) UnlockRegion(regionId string) {
	self.Unlock(regionLockKeyPrefix + regionId)
}

// linear scan of all region locks. the first containing rectangle in
// sorted key order wins, which makes overlap deterministic. locked is
// relative to the caller: a self-owned area reports false.
func (self *LockManager) InLockedRegion(x float64, y float64) (locked bool, owner Id) {
	now := NowMillis()
	for _, key := range self.store.Keys(RegionLocks) {
		if !strings.HasPrefix(key, regionLockKeyPrefix) {
			continue
		}
		record, ok := self.record(key)
		if !ok || record.Type != LockTypeRegion || record.Bounds == nil {
			continue
		}
		if record.Expired(now) {
			continue
		}
		if record.Bounds.Contains(x, y) {
			return record.OwnerId != self.clientId(), record.OwnerId
		}
	}
	return false, Id{}
}

// cancels pending expiry timers. lock records already in the store are
// left for passive expiry detection by other clients.
func (self *LockManager) Close() {
	self.expiry.Stop()
}

func (self *LockManager) expireLock(resourceId string) {
	record, ok := self.record(resourceId)
	if !ok {
		return
	}
	if record.Type != LockTypeSoft || record.OwnerId != self.clientId() {
		return
	}
	if !record.Expired(NowMillis()) {
		// refreshed since the timer was scheduled
		return
	}
	self.store.Delete(RegionLocks, resourceId)
	glog.V(2).Infof("[lock]expire %s by %s\n", resourceId, self.clientId())
}
