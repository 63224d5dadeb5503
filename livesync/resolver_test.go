package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"golang.org/x/exp/slices"
)

func newResolverFixture(t *testing.T) (*consoleFixture, *MemoryCache, *StatusResolver) {
	fixture := newConsoleFixture()
	server := fixture.server()
	t.Cleanup(server.Close)

	api := NewConsoleApi(server.URL)
	cache := NewMemoryCache()
	resolver := NewStatusResolverWithDefaults(context.Background(), api, cache)
	t.Cleanup(resolver.Close)

	return fixture, cache, resolver
}

func TestResolveCentralized(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setRecord(&EntityStatusRecord{
		EntityType: EntityTypeContract,
		EntityId:   42,
		Status:     "confirmed",
		EventId:    7,
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "confirmed", record.Status)
	// a record without a source comes from the centralized store
	assert.Equal(t, StatusSourceCentralized, record.Source)
	assert.Equal(t, 1, fixture.statusGets())

	// second resolution is served from the cache
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "confirmed", record.Status)
	assert.Equal(t, 1, fixture.statusGets())
}

func TestResolveLegacyContractFromCache(t *testing.T) {
	fixture, cache, resolver := newResolverFixture(t)

	cache.Set(CacheKey("contracts", "42"), &ContractRecord{
		ContractId: 42,
		Status:     "pending",
		EventId:    7,
		MusicianId: 3,
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "pending", record.Status)
	assert.Equal(t, int64(7), record.EventId)
	assert.Equal(t, int64(3), record.MusicianId)
	assert.Equal(t, StatusSourceLegacy, record.Source)
	assert.Equal(t, true, record.Metadata["legacySource"])

	// already-fetched data is used, the contract endpoint is never hit
	assert.Equal(t, 0, fixture.contractGets(42))
	// no repair write without auto repair
	assert.Equal(t, 0, fixture.statusPostCount())
	assert.Equal(t, 0, resolver.PendingSyncCount())
}

func TestResolveLegacyContractFromList(t *testing.T) {
	fixture, cache, resolver := newResolverFixture(t)

	cache.Set(CacheKey("contracts", "list"), []*ContractRecord{
		{ContractId: 41, Status: "draft"},
		{ContractId: 42, Status: "pending", EventId: 7},
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "pending", record.Status)
	assert.Equal(t, int64(7), record.EventId)
	assert.Equal(t, StatusSourceLegacy, record.Source)
	assert.Equal(t, 0, fixture.contractGets(42))
}

func TestResolveLegacyContractFetch(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		Status:     "pending",
		EventId:    7,
		MusicianId: 3,
		EventDate:  "2026-06-01",
		UpdatedAt:  1720000000000,
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "pending", record.Status)
	assert.Equal(t, "2026-06-01", record.EventDate)
	assert.Equal(t, int64(1720000000000), record.StatusDate)
	assert.Equal(t, StatusSourceLegacy, record.Source)
	assert.Equal(t, 1, fixture.contractGets(42))
}

func TestResolveLegacyMusician(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setEvent(&EventRecord{
		EventId: 7,
		Date:    "2026-06-01",
		MusicianStatuses: map[string]any{
			"3": "confirmed",
		},
		MusicianStatusesByDate: map[string]map[string]any{
			"2026-06-02": {
				"3": map[string]any{
					"status":     "tentative",
					"statusDate": float64(1720000000000),
				},
			},
		},
	})

	// without a date the global map applies
	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeMusician,
		EntityId:   3,
		EventId:    7,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "confirmed", record.Status)
	assert.Equal(t, "2026-06-01", record.EventDate)
	assert.Equal(t, StatusSourceLegacy, record.Source)

	// the per-date map wins when an entry exists for the date
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeMusician,
		EntityId:   3,
		EventId:    7,
		EventDate:  "2026-06-02",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "tentative", record.Status)
	assert.Equal(t, int64(1720000000000), record.StatusDate)

	// a date without an entry falls back to the global map
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeMusician,
		EntityId:   3,
		EventId:    7,
		EventDate:  "2026-06-03",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "confirmed", record.Status)
}

func TestResolveLegacyMusicianNumericKey(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setEvent(&EventRecord{
		EventId: 9,
		MusicianStatuses: map[string]any{
			"03": "booked",
		},
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeMusician,
		EntityId:   3,
		EventId:    9,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "booked", record.Status)
	assert.Equal(t, StatusSourceLegacy, record.Source)
}

func TestResolveUnknown(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	// no derivation is registered for venues
	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeVenue,
		EntityId:   5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusUnknown, record.Status)
	assert.Equal(t, StatusSourceUnknown, record.Source)
	assert.Equal(t, true, record.Metadata["noStatusFound"])

	// a contract that exists nowhere resolves to unknown, not an error
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   404,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusUnknown, record.Status)
	assert.Equal(t, StatusSourceUnknown, record.Source)

	// a musician without an owning event has nothing to derive from
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeMusician,
		EntityId:   3,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusUnknown, record.Status)

	// unknown is never cached, a later centralized record wins
	fixture.setRecord(&EntityStatusRecord{
		EntityType: EntityTypeVenue,
		EntityId:   5,
		Status:     "open",
	})
	record, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeVenue,
		EntityId:   5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "open", record.Status)
}

func TestResolveValidation(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	_, err := resolver.ResolveSync(&StatusQuery{
		EntityId: 42,
	})
	var validation *ValidationError
	assert.Equal(t, true, errors.As(err, &validation))
	assert.Equal(t, "entityType", validation.Field)

	_, err = resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
	})
	assert.Equal(t, true, errors.As(err, &validation))
	assert.Equal(t, "entityId", validation.Field)

	// validation fails before any upstream call
	assert.Equal(t, 0, fixture.statusGets())
}

func TestResolveUpstreamErrorAborts(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		Status:     "pending",
	})
	fixture.setStatusGetError(503, "status store down")

	_, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	var upstream *UpstreamError
	assert.Equal(t, true, errors.As(err, &upstream))
	assert.Equal(t, 503, upstream.StatusCode)

	// only a 404 falls through to legacy derivation
	assert.Equal(t, 0, fixture.contractGets(42))
}

func TestResolveAutoRepair(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		Status:     "pending",
		EventId:    7,
		MusicianId: 3,
	})
	fixture.setPostDelay(100 * time.Millisecond)

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := resolver.ResolveSync(&StatusQuery{
				EntityType: EntityTypeContract,
				EntityId:   42,
				AutoRepair: true,
			})
			assert.Equal(t, err, nil)
			assert.Equal(t, "pending", record.Status)
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for resolver.PendingSyncCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("repair never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// at most one repair write per entity regardless of concurrency
	assert.Equal(t, 1, fixture.statusPostCount())
	post := fixture.statusPost(0)
	assert.Equal(t, EntityTypeContract, post.EntityType)
	assert.Equal(t, int64(42), post.EntityId)
	assert.Equal(t, "pending", post.Status)
	assert.Equal(t, int64(7), post.EventId)
	assert.Equal(t, int64(3), post.MusicianId)
	assert.Equal(t, DefaultStatusResolverSettings().RepairNote, post.Details)
	assert.Equal(t, true, post.Metadata["autoSynced"])
	assert.Equal(t, true, post.Metadata["legacySource"])
	repairId, _ := post.Metadata["repairId"].(string)
	_, err := ParseId(repairId)
	assert.Equal(t, err, nil)
}

func TestUpdateStatusFreshness(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setRecord(&EntityStatusRecord{
		EntityType: EntityTypeContract,
		EntityId:   42,
		Status:     "pending",
	})

	query := &StatusQuery{
		EntityType: EntityTypeContract,
		EntityId:   42,
		EventId:    7,
		MusicianId: 3,
	}
	record, err := resolver.ResolveSync(query)
	assert.Equal(t, err, nil)
	assert.Equal(t, "pending", record.Status)

	_, err = resolver.UpdateStatusSync(&UpdateStatusArgs{
		EntityType: EntityTypeContract,
		EntityId:   42,
		Status:     "confirmed",
		EventId:    7,
		MusicianId: 3,
	})
	assert.Equal(t, err, nil)

	// an update must not leave a stale resolution behind
	record, err = resolver.ResolveSync(query)
	assert.Equal(t, err, nil)
	assert.Equal(t, "confirmed", record.Status)
	assert.Equal(t, 2, fixture.statusGets())
}

func TestUpdateStatusInvalidation(t *testing.T) {
	fixture := newConsoleFixture()
	server := fixture.server()
	t.Cleanup(server.Close)

	api := NewConsoleApi(server.URL)
	cache := newRecordingCache()
	resolver := NewStatusResolverWithDefaults(context.Background(), api, cache)
	t.Cleanup(resolver.Close)

	_, err := resolver.UpdateStatusSync(&UpdateStatusArgs{
		EntityType: EntityTypeContract,
		EntityId:   42,
		Status:     "confirmed",
		EventId:    7,
		MusicianId: 3,
		EventDate:  "2026-06-01",
	})
	assert.Equal(t, err, nil)

	// every subset of the optional key fields is invalidated
	keys := cache.keys()
	for _, key := range []string{
		"status/contract/42",
		"status/contract/42/e7",
		"status/contract/42/m3",
		"status/contract/42/2026-06-01",
		"status/contract/42/e7/m3",
		"status/contract/42/e7/2026-06-01",
		"status/contract/42/m3/2026-06-01",
		"status/contract/42/e7/m3/2026-06-01",
	} {
		assert.Equal(t, true, slices.Contains(keys, key))
	}
	// deduped, each key exactly once
	assert.Equal(t, 8, len(keys))

	partitions := cache.partitions()
	assert.Equal(t, true, slices.Contains(partitions, "status-history"))
	assert.Equal(t, true, slices.Contains(partitions, "contracts"))
}

func TestUpdateStatusValidation(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	var validation *ValidationError
	_, err := resolver.UpdateStatusSync(&UpdateStatusArgs{
		EntityType: EntityTypeContract,
		EntityId:   42,
	})
	assert.Equal(t, true, errors.As(err, &validation))
	assert.Equal(t, "status", validation.Field)
	assert.Equal(t, 0, fixture.statusPostCount())
}

func TestSignContract(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
	})

	record, err := resolver.SignContractSync(&SignContractRequest{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
		Signature:  "Ada Lovelace",
		SignedByIp: "10.0.0.1",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusContractSigned, record.Status)

	assert.Equal(t, 1, fixture.signCallCount(42))
	assert.Equal(t, 1, fixture.statusPostCount())
	post := fixture.statusPost(0)
	assert.Equal(t, EntityTypeContract, post.EntityType)
	assert.Equal(t, StatusContractSigned, post.Status)
	assert.Equal(t, "Ada Lovelace", post.Metadata["signature"])
	assert.Equal(t, "10.0.0.1", post.Metadata["signedByIp"])

	_, err = resolver.SignContractSync(&SignContractRequest{
		ContractId: 42,
	})
	var validation *ValidationError
	assert.Equal(t, true, errors.As(err, &validation))
	assert.Equal(t, "signature", validation.Field)
}

func TestCancelContract(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
	})

	result, err := resolver.CancelContractSync(&CancelContractRequest{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
		Reason:     "venue flooded",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.MusicianStatusErr, nil)
	assert.Equal(t, StatusCancelled, result.Contract.Status)

	assert.Equal(t, 1, fixture.cancelCallCount(42))
	// the contract status lands first, then the musician booking view
	assert.Equal(t, 2, fixture.statusPostCount())
	contractPost := fixture.statusPost(0)
	assert.Equal(t, EntityTypeContract, contractPost.EntityType)
	assert.Equal(t, StatusCancelled, contractPost.Status)
	assert.Equal(t, "venue flooded", contractPost.Metadata["reason"])
	musicianPost := fixture.statusPost(1)
	assert.Equal(t, EntityTypeMusician, musicianPost.EntityType)
	assert.Equal(t, int64(3), musicianPost.EntityId)
	assert.Equal(t, StatusCancelled, musicianPost.Status)
	assert.Equal(t, float64(42), musicianPost.Metadata["contractId"])
}

func TestCancelContractMusicianFailure(t *testing.T) {
	fixture, _, resolver := newResolverFixture(t)

	fixture.setContract(&ContractRecord{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
	})
	fixture.setFailMusicianUpdate(true)

	// the cancellation stands even when the musician status write fails
	result, err := resolver.CancelContractSync(&CancelContractRequest{
		ContractId: 42,
		EventId:    7,
		MusicianId: 3,
		Reason:     "rain",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusCancelled, result.Contract.Status)
	assert.NotEqual(t, result.MusicianStatusErr, nil)

	assert.Equal(t, 1, fixture.cancelCallCount(42))
	assert.Equal(t, 1, fixture.statusPostCount())
	assert.Equal(t, EntityTypeContract, fixture.statusPost(0).EntityType)
}

func TestResolveCustomDerivation(t *testing.T) {
	_, _, resolver := newResolverFixture(t)

	resolver.RegisterDerivation(EntityTypeVenue, func(query *StatusQuery) (*EntityStatusRecord, error) {
		return &EntityStatusRecord{
			EntityType: query.EntityType,
			EntityId:   query.EntityId,
			Status:     "open",
			Metadata: map[string]any{
				"legacySource": true,
			},
			Source: StatusSourceLegacy,
		}, nil
	})

	record, err := resolver.ResolveSync(&StatusQuery{
		EntityType: EntityTypeVenue,
		EntityId:   5,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "open", record.Status)
	assert.Equal(t, StatusSourceLegacy, record.Source)
}
