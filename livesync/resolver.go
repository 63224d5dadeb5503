package livesync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// produces one authoritative status record per entity regardless of which
// underlying store currently holds the data: the centralized status store
// first, then an ordered chain of legacy derivations, then "unknown".
// "unknown" is data, not failure.

const (
	StatusUnknown        = "unknown"
	StatusContractSigned = "contract-signed"
	StatusCancelled      = "cancelled"
)

const (
	EntityTypeContract = "contract"
	EntityTypeMusician = "musician"
	EntityTypeEvent    = "event"
	EntityTypeVenue    = "venue"
)

type StatusQuery struct {
	EntityType string
	EntityId   int64
	EventId    int64
	MusicianId int64
	EventDate  string
	// backfill the centralized store when only a legacy value exists
	AutoRepair bool
}

func (self *StatusQuery) validate() error {
	if self.EntityType == "" {
		return &ValidationError{Field: "entityType", Message: "required"}
	}
	if self.EntityId <= 0 {
		return &ValidationError{Field: "entityId", Message: "must be a positive id"}
	}
	return nil
}

// a derivation computes a status from another entity's already-fetched
// data. returning (nil, nil) means no legacy data was found.
type DerivationFunction func(query *StatusQuery) (*EntityStatusRecord, error)

type StatusResolverSettings struct {
	RepairNote       string
	HistoryPartition string
}

func DefaultStatusResolverSettings() *StatusResolverSettings {
	return &StatusResolverSettings{
		RepairNote:       "auto-synced from legacy system",
		HistoryPartition: "status-history",
	}
}

type pendingSyncKey struct {
	entityType string
	entityId   int64
}

type pendingSync struct {
	repairId  Id
	startTime time.Time
}

type StatusResolver struct {
	ctx    context.Context
	cancel context.CancelFunc

	api   *ConsoleApi
	cache Cache

	settings *StatusResolverSettings

	// registration happens at startup, before any resolution
	derivations map[string]DerivationFunction

	mutex        sync.Mutex
	pendingSyncs map[pendingSyncKey]*pendingSync
}

func NewStatusResolverWithDefaults(ctx context.Context, api *ConsoleApi, cache Cache) *StatusResolver {
	return NewStatusResolver(ctx, api, cache, DefaultStatusResolverSettings())
}

func NewStatusResolver(ctx context.Context, api *ConsoleApi, cache Cache, settings *StatusResolverSettings) *StatusResolver {
	cancelCtx, cancel := context.WithCancel(ctx)

	resolver := &StatusResolver{
		ctx:          cancelCtx,
		cancel:       cancel,
		api:          api,
		cache:        cache,
		settings:     settings,
		derivations:  map[string]DerivationFunction{},
		pendingSyncs: map[pendingSyncKey]*pendingSync{},
	}
	resolver.RegisterDerivation(EntityTypeContract, resolver.deriveContractStatus)
	resolver.RegisterDerivation(EntityTypeMusician, resolver.deriveMusicianStatus)
	return resolver
}

// new entity types are added by registration, not by editing a branch chain
func (self *StatusResolver) RegisterDerivation(entityType string, derivation DerivationFunction) {
	self.derivations[entityType] = derivation
}

func (self *StatusResolver) Close() {
	self.cancel()
}

type ResolveCallback apiCallback[*EntityStatusRecord]

func (self *StatusResolver) Resolve(query *StatusQuery, callback ResolveCallback) {
	go HandleError(func() {
		record, err := self.ResolveSync(query)
		callback.Result(record, err)
	})
}

func (self *StatusResolver) ResolveSync(query *StatusQuery) (*EntityStatusRecord, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}

	cacheKey := statusCacheKey(query.EntityType, query.EntityId, query.EventId, query.MusicianId, query.EventDate)
	if self.cache != nil {
		cached := &EntityStatusRecord{}
		if self.cache.Get(cacheKey, cached) {
			glog.V(2).Infof("[sr]cache hit %s\n", cacheKey)
			return cached, nil
		}
	}

	record, err := self.api.GetStatusSync(&GetStatusArgs{
		EntityType: query.EntityType,
		EntityId:   query.EntityId,
		EventId:    query.EventId,
		MusicianId: query.MusicianId,
		EventDate:  query.EventDate,
	})
	if err == nil {
		if record.Source == "" {
			record.Source = StatusSourceCentralized
		}
		self.cacheRecord(cacheKey, record)
		return record, nil
	}
	if !IsNotFound(err) {
		// only a missing record falls back to legacy derivation
		return nil, err
	}

	var legacy *EntityStatusRecord
	if derivation, ok := self.derivations[query.EntityType]; ok {
		legacy, err = derivation(query)
		if err != nil {
			return nil, err
		}
	}
	if legacy == nil {
		legacy = self.unknownRecord(query)
	}

	if legacy.Source == StatusSourceLegacy && query.AutoRepair {
		self.scheduleRepair(query, legacy)
	}

	self.cacheRecord(cacheKey, legacy)
	return legacy, nil
}

func statusCacheKey(entityType string, entityId int64, eventId int64, musicianId int64, eventDate string) string {
	parts := []string{entityType, strconv.FormatInt(entityId, 10)}
	if 0 < eventId {
		parts = append(parts, fmt.Sprintf("e%d", eventId))
	}
	if 0 < musicianId {
		parts = append(parts, fmt.Sprintf("m%d", musicianId))
	}
	if eventDate != "" {
		parts = append(parts, eventDate)
	}
	return CacheKey("status", parts...)
}

func (self *StatusResolver) cacheRecord(cacheKey string, record *EntityStatusRecord) {
	if self.cache == nil {
		return
	}
	if record.Source == StatusSourceUnknown {
		// an unknown record must not mask a centralized record that
		// appears later
		return
	}
	self.cache.Set(cacheKey, record)
}

func (self *StatusResolver) unknownRecord(query *StatusQuery) *EntityStatusRecord {
	return &EntityStatusRecord{
		EntityType: query.EntityType,
		EntityId:   query.EntityId,
		Status:     StatusUnknown,
		EventId:    query.EventId,
		MusicianId: query.MusicianId,
		EventDate:  query.EventDate,
		StatusDate: time.Now().UnixMilli(),
		Metadata: map[string]any{
			"noStatusFound": true,
		},
		Source: StatusSourceUnknown,
	}
}

func (self *StatusResolver) deriveContractStatus(query *StatusQuery) (*EntityStatusRecord, error) {
	contract := &ContractRecord{}
	found := false
	if self.cache != nil {
		if self.cache.Get(CacheKey("contracts", strconv.FormatInt(query.EntityId, 10)), contract) {
			found = true
		} else {
			contracts := []*ContractRecord{}
			if self.cache.Get(CacheKey("contracts", "list"), &contracts) {
				for _, cached := range contracts {
					if cached.ContractId == query.EntityId {
						contract = cached
						found = true
						break
					}
				}
			}
		}
	}
	if !found {
		fetched, err := self.api.GetContractSync(query.EntityId)
		if err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		contract = fetched
	}
	if contract.Status == "" {
		return nil, nil
	}

	eventId := query.EventId
	if eventId == 0 {
		eventId = contract.EventId
	}
	musicianId := query.MusicianId
	if musicianId == 0 {
		musicianId = contract.MusicianId
	}
	eventDate := query.EventDate
	if eventDate == "" {
		eventDate = contract.EventDate
	}
	statusDate := contract.UpdatedAt
	if statusDate == 0 {
		statusDate = contract.CreatedAt
	}

	return &EntityStatusRecord{
		EntityType:   EntityTypeContract,
		EntityId:     query.EntityId,
		Status:       contract.Status,
		CustomStatus: contract.CustomStatus,
		EventId:      eventId,
		MusicianId:   musicianId,
		EventDate:    eventDate,
		StatusDate:   statusDate,
		Metadata: map[string]any{
			"legacySource": true,
		},
		Source: StatusSourceLegacy,
	}, nil
}

func (self *StatusResolver) deriveMusicianStatus(query *StatusQuery) (*EntityStatusRecord, error) {
	if query.EventId <= 0 {
		// without an owning event there is nothing to derive from
		return nil, nil
	}

	event := &EventRecord{}
	found := false
	if self.cache != nil && self.cache.Get(CacheKey("events", strconv.FormatInt(query.EventId, 10)), event) {
		found = true
	}
	if !found {
		fetched, err := self.api.GetEventSync(query.EventId)
		if err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		event = fetched
	}

	var entry any
	ok := false
	if query.EventDate != "" && event.MusicianStatusesByDate != nil {
		if statuses, dateOk := event.MusicianStatusesByDate[query.EventDate]; dateOk {
			entry, ok = lookupMusicianEntry(statuses, query.EntityId)
		}
	}
	if !ok {
		entry, ok = lookupMusicianEntry(event.MusicianStatuses, query.EntityId)
	}
	if !ok {
		return nil, nil
	}

	status, customStatus, statusDate := musicianEntryStatus(entry)
	if status == "" {
		return nil, nil
	}

	eventDate := query.EventDate
	if eventDate == "" {
		eventDate = event.Date
	}

	return &EntityStatusRecord{
		EntityType:   EntityTypeMusician,
		EntityId:     query.EntityId,
		Status:       status,
		CustomStatus: customStatus,
		EventId:      query.EventId,
		MusicianId:   query.EntityId,
		EventDate:    eventDate,
		StatusDate:   statusDate,
		Metadata: map[string]any{
			"legacySource": true,
		},
		Source: StatusSourceLegacy,
	}, nil
}

// json object keys always decode as strings, but numeric keys can carry
// formatting differences ("03"), so match by numeric value too
func lookupMusicianEntry(statuses map[string]any, musicianId int64) (any, bool) {
	if statuses == nil {
		return nil, false
	}
	key := strconv.FormatInt(musicianId, 10)
	if entry, ok := statuses[key]; ok {
		return entry, true
	}
	for k, entry := range statuses {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64); err == nil && parsed == musicianId {
			return entry, true
		}
	}
	return nil, false
}

func musicianEntryStatus(entry any) (status string, customStatus string, statusDate int64) {
	switch v := entry.(type) {
	case string:
		status = v
	case map[string]any:
		status, _ = v["status"].(string)
		customStatus, _ = v["customStatus"].(string)
		if f, ok := v["statusDate"].(float64); ok {
			statusDate = int64(f)
		}
	}
	return
}

// at most one repair write per (entityType, entityId). the check-then-act
// is acceptable because losing an auto-repair is not correctness-critical.
func (self *StatusResolver) scheduleRepair(query *StatusQuery, legacy *EntityStatusRecord) {
	key := pendingSyncKey{
		entityType: query.EntityType,
		entityId:   query.EntityId,
	}

	self.mutex.Lock()
	if _, ok := self.pendingSyncs[key]; ok {
		self.mutex.Unlock()
		return
	}
	sync := &pendingSync{
		repairId:  NewId(),
		startTime: time.Now(),
	}
	self.pendingSyncs[key] = sync
	self.mutex.Unlock()

	// the original caller is never blocked on the repair write
	go HandleError(func() {
		defer func() {
			self.mutex.Lock()
			delete(self.pendingSyncs, key)
			self.mutex.Unlock()
		}()

		_, err := self.api.UpdateStatusSync(&UpdateStatusArgs{
			EntityType:   query.EntityType,
			EntityId:     query.EntityId,
			Status:       legacy.Status,
			CustomStatus: legacy.CustomStatus,
			EventId:      legacy.EventId,
			MusicianId:   legacy.MusicianId,
			EventDate:    legacy.EventDate,
			Details:      self.settings.RepairNote,
			Metadata: map[string]any{
				"autoSynced":   true,
				"legacySource": true,
				"repairId":     sync.repairId.String(),
			},
		})
		if err != nil {
			// best effort. the next resolution derives again.
			glog.Warningf("[sr]repair failed %s/%d = %s\n", query.EntityType, query.EntityId, err)
			return
		}
		glog.V(2).Infof("[sr]repaired %s/%d\n", query.EntityType, query.EntityId)
	})
}

func (self *StatusResolver) PendingSyncCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pendingSyncs)
}

func (self *StatusResolver) UpdateStatus(updateStatus *UpdateStatusArgs, callback UpdateStatusCallback) {
	go HandleError(func() {
		record, err := self.UpdateStatusSync(updateStatus)
		callback.Result(record, err)
	})
}

func (self *StatusResolver) UpdateStatusSync(updateStatus *UpdateStatusArgs) (*EntityStatusRecord, error) {
	if updateStatus.EntityType == "" {
		return nil, &ValidationError{Field: "entityType", Message: "required"}
	}
	if updateStatus.EntityId <= 0 {
		return nil, &ValidationError{Field: "entityId", Message: "must be a positive id"}
	}
	if updateStatus.Status == "" {
		return nil, &ValidationError{Field: "status", Message: "required"}
	}

	record, err := self.api.UpdateStatusSync(updateStatus)
	if err != nil {
		return nil, err
	}
	self.invalidateStatusKeys(updateStatus)
	return record, nil
}

// consumers key their cached status queries inconsistently, with or
// without the optional fields. invalidate every subset rather than guess.
// over-invalidating only costs an extra fetch.
func (self *StatusResolver) invalidateStatusKeys(updateStatus *UpdateStatusArgs) {
	if self.cache == nil {
		return
	}

	keySet := map[string]bool{}
	for _, eventId := range []int64{0, updateStatus.EventId} {
		for _, musicianId := range []int64{0, updateStatus.MusicianId} {
			for _, eventDate := range []string{"", updateStatus.EventDate} {
				key := statusCacheKey(updateStatus.EntityType, updateStatus.EntityId, eventId, musicianId, eventDate)
				keySet[key] = true
			}
		}
	}
	for key := range keySet {
		self.cache.Invalidate(key)
	}

	self.cache.InvalidatePartition(self.settings.HistoryPartition)

	switch updateStatus.EntityType {
	case EntityTypeContract:
		self.cache.InvalidatePartition("contracts")
	case EntityTypeMusician:
		self.cache.InvalidatePartition("musicians")
	case EntityTypeEvent:
		self.cache.InvalidatePartition("events")
	case EntityTypeVenue:
		self.cache.InvalidatePartition("venues")
	}
}

type SignContractRequest struct {
	ContractId int64
	EventId    int64
	MusicianId int64
	EventDate  string
	Signature  string
	SignedByIp string
}

func (self *StatusResolver) SignContract(request *SignContractRequest, callback ResolveCallback) {
	go HandleError(func() {
		record, err := self.SignContractSync(request)
		callback.Result(record, err)
	})
}

// two-step saga: mutate the contract record, then write the derived status
func (self *StatusResolver) SignContractSync(request *SignContractRequest) (*EntityStatusRecord, error) {
	if request.ContractId <= 0 {
		return nil, &ValidationError{Field: "contractId", Message: "must be a positive id"}
	}
	if request.Signature == "" {
		return nil, &ValidationError{Field: "signature", Message: "required"}
	}

	_, err := self.api.SignContractSync(request.ContractId, &SignContractArgs{
		Signature:  request.Signature,
		SignedByIp: request.SignedByIp,
	})
	if err != nil {
		return nil, err
	}

	return self.UpdateStatusSync(&UpdateStatusArgs{
		EntityType: EntityTypeContract,
		EntityId:   request.ContractId,
		Status:     StatusContractSigned,
		EventId:    request.EventId,
		MusicianId: request.MusicianId,
		EventDate:  request.EventDate,
		Details:    "Contract signed",
		Metadata: map[string]any{
			"signature":  request.Signature,
			"signedByIp": request.SignedByIp,
		},
	})
}

type CancelContractRequest struct {
	ContractId int64
	EventId    int64
	MusicianId int64
	EventDate  string
	Reason     string
}

type CancelContractResult struct {
	Contract *EntityStatusRecord
	// the contract cancellation stands even when the musician status write
	// fails. surfaced here for logging.
	MusicianStatusErr error
}

type CancelContractCallback apiCallback[*CancelContractResult]

func (self *StatusResolver) CancelContract(request *CancelContractRequest, callback CancelContractCallback) {
	go HandleError(func() {
		result, err := self.CancelContractSync(request)
		callback.Result(result, err)
	})
}

func (self *StatusResolver) CancelContractSync(request *CancelContractRequest) (*CancelContractResult, error) {
	if request.ContractId <= 0 {
		return nil, &ValidationError{Field: "contractId", Message: "must be a positive id"}
	}

	_, err := self.api.CancelContractSync(request.ContractId, &CancelContractArgs{
		Reason: request.Reason,
	})
	if err != nil {
		return nil, err
	}

	record, err := self.UpdateStatusSync(&UpdateStatusArgs{
		EntityType: EntityTypeContract,
		EntityId:   request.ContractId,
		Status:     StatusCancelled,
		EventId:    request.EventId,
		MusicianId: request.MusicianId,
		EventDate:  request.EventDate,
		Details:    fmt.Sprintf("Cancelled: %s", request.Reason),
		Metadata: map[string]any{
			"reason": request.Reason,
		},
	})
	if err != nil {
		return nil, err
	}

	result := &CancelContractResult{
		Contract: record,
	}

	// a cancelled contract must also show up in the musician's booking view
	if 0 < request.MusicianId && 0 < request.EventId {
		_, err := self.UpdateStatusSync(&UpdateStatusArgs{
			EntityType: EntityTypeMusician,
			EntityId:   request.MusicianId,
			Status:     StatusCancelled,
			EventId:    request.EventId,
			EventDate:  request.EventDate,
			Details:    fmt.Sprintf("Contract %d cancelled", request.ContractId),
			Metadata: map[string]any{
				"contractId": request.ContractId,
				"reason":     request.Reason,
			},
		})
		if err != nil {
			glog.Warningf("[sr]musician status update failed after cancel %d = %s\n", request.ContractId, err)
			result.MusicianStatusErr = err
		}
	}

	return result, nil
}
