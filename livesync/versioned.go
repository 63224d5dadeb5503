package livesync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// lets a ui-facing query refetch when the change router reports a relevant
// invalidation, instead of being invalidated blindly. when the versions
// endpoint is reachable, an unchanged version skips the refetch. absence or
// failure of that endpoint only disables the optimization, it never blocks
// data fetching.

type FetchFunction[R any] func() (R, error)
type UpdateFunction[R any] func(value R)

type VersionedQuery[R any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	api    *ConsoleApi
	entity string
	fetch  FetchFunction[R]

	updateCallbacks *CallbackList[UpdateFunction[R]]

	mutex               sync.Mutex
	hasValue            bool
	stale               bool
	value               R
	version             int64
	hasVersion          bool
	versionCheckEnabled bool
	fetching            bool
	// bumped on every invalidation, so a fetch that started before the
	// latest invalidation cannot mark the value fresh
	invalidationSeq int64

	routerUnsub func()
}

func NewVersionedQuery[R any](ctx context.Context, router *ChangeRouter, api *ConsoleApi, entity string, fetch FetchFunction[R]) *VersionedQuery[R] {
	cancelCtx, cancel := context.WithCancel(ctx)

	query := &VersionedQuery[R]{
		ctx:                 cancelCtx,
		cancel:              cancel,
		api:                 api,
		entity:              entity,
		fetch:               fetch,
		updateCallbacks:     NewCallbackList[UpdateFunction[R]](),
		stale:               true,
		versionCheckEnabled: api != nil,
	}
	query.routerUnsub = router.Subscribe(query.invalidated, entity)
	return query
}

func (self *VersionedQuery[R]) Entity() string {
	return self.entity
}

// Get returns the held value when fresh, otherwise fetches.
func (self *VersionedQuery[R]) Get() (R, error) {
	self.mutex.Lock()
	if self.hasValue && !self.stale {
		value := self.value
		self.mutex.Unlock()
		return value, nil
	}
	self.mutex.Unlock()
	return self.Refresh()
}

func (self *VersionedQuery[R]) Refresh() (R, error) {
	self.mutex.Lock()
	seq := self.invalidationSeq
	self.mutex.Unlock()

	version, hasVersion := self.currentVersion()

	value, err := self.fetch()
	if err != nil {
		var empty R
		return empty, err
	}
	self.store(value, version, hasVersion, seq)
	return value, nil
}

func (self *VersionedQuery[R]) AddUpdateCallback(callback UpdateFunction[R]) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *VersionedQuery[R]) Close() {
	if self.routerUnsub != nil {
		self.routerUnsub()
		self.routerUnsub = nil
	}
	self.cancel()
}

// EntityFunction
func (self *VersionedQuery[R]) invalidated(partition string) {
	self.mutex.Lock()
	self.invalidationSeq += 1
	self.stale = true
	// only refetch eagerly when someone is watching. at most one fetch in
	// flight per invalidation burst.
	refetch := 0 < self.updateCallbacks.Len() && !self.fetching
	if refetch {
		self.fetching = true
	}
	self.mutex.Unlock()

	if !refetch {
		return
	}

	go HandleError(func() {
		defer func() {
			self.mutex.Lock()
			self.fetching = false
			self.mutex.Unlock()
		}()

		// loop until a fetch settles the latest invalidation. an
		// invalidation that arrives mid-fetch must not be erased by the
		// fetch it overlapped.
		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			self.mutex.Lock()
			seq := self.invalidationSeq
			self.mutex.Unlock()

			// the watermark is read before the fetch, so a change landing
			// during the fetch moves the version past it
			version, hasVersion := self.currentVersion()

			self.mutex.Lock()
			unchanged := hasVersion && self.hasVersion && version == self.version
			self.mutex.Unlock()
			if unchanged {
				if self.settle(seq) {
					glog.V(2).Infof("[vq]%s unchanged, refetch skipped\n", self.entity)
					return
				}
				continue
			}

			value, err := self.fetch()
			if err != nil {
				glog.Infof("[vq]%s refetch error = %s\n", self.entity, err)
				return
			}
			if !self.store(value, version, hasVersion, seq) {
				// a later invalidation arrived mid-fetch, go around again
				continue
			}

			for _, callback := range self.updateCallbacks.Get() {
				callback := callback
				HandleError(func() {
					callback(value)
				})
			}
			return
		}
	})
}

// store keeps the value either way, but clears stale only when no
// invalidation arrived after `seq` was read
func (self *VersionedQuery[R]) store(value R, version int64, hasVersion bool, seq int64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.value = value
	self.hasValue = true
	self.version = version
	self.hasVersion = hasVersion
	if seq == self.invalidationSeq {
		self.stale = false
		return true
	}
	return false
}

func (self *VersionedQuery[R]) settle(seq int64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if seq == self.invalidationSeq {
		self.stale = false
		return true
	}
	return false
}

func (self *VersionedQuery[R]) currentVersion() (int64, bool) {
	self.mutex.Lock()
	enabled := self.versionCheckEnabled
	self.mutex.Unlock()
	if !enabled {
		return 0, false
	}

	versions, err := self.api.GetVersionsSync()
	if err != nil {
		self.mutex.Lock()
		self.versionCheckEnabled = false
		self.mutex.Unlock()
		glog.V(2).Infof("[vq]%s version check disabled = %s\n", self.entity, err)
		return 0, false
	}
	version, ok := versions[self.entity]
	return version, ok
}
