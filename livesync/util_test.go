package livesync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"
)

func waitFor[T any](t *testing.T, c chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for value")
		var empty T
		return empty
	}
}

// cache that records invalidations instead of storing values
type recordingCache struct {
	mutex                 sync.Mutex
	invalidatedKeys       []string
	invalidatedPartitions []string
	invalidateAllCount    int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{}
}

func (self *recordingCache) Get(key string, value any) bool {
	return false
}

func (self *recordingCache) Set(key string, value any) {
}

func (self *recordingCache) Invalidate(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidatedKeys = append(self.invalidatedKeys, key)
}

func (self *recordingCache) InvalidatePartition(partition string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidatedPartitions = append(self.invalidatedPartitions, partition)
}

func (self *recordingCache) InvalidateAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidateAllCount += 1
}

func (self *recordingCache) keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	keys := slices.Clone(self.invalidatedKeys)
	slices.Sort(keys)
	return keys
}

func (self *recordingCache) partitions() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	partitions := slices.Clone(self.invalidatedPartitions)
	slices.Sort(partitions)
	return partitions
}

func (self *recordingCache) allCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.invalidateAllCount
}

func (self *recordingCache) reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidatedKeys = nil
	self.invalidatedPartitions = nil
	self.invalidateAllCount = 0
}

// in-memory console api for resolver and api tests
type consoleFixture struct {
	mutex sync.Mutex

	records   map[string]*EntityStatusRecord
	contracts map[int64]*ContractRecord
	events    map[int64]*EventRecord
	versions  VersionsResult

	statusGetCount    int
	contractGetCounts map[int64]int
	eventGetCounts    map[int64]int
	posts             []*UpdateStatusArgs
	signIds           []int64
	cancelIds         []int64

	statusGetErrorCode    int
	statusGetErrorMessage string
	failMusicianUpdate    bool
	versionsError         bool
	postDelay             time.Duration
}

func newConsoleFixture() *consoleFixture {
	return &consoleFixture{
		records:           map[string]*EntityStatusRecord{},
		contracts:         map[int64]*ContractRecord{},
		events:            map[int64]*EventRecord{},
		versions:          VersionsResult{},
		contractGetCounts: map[int64]int{},
		eventGetCounts:    map[int64]int{},
	}
}

func (self *consoleFixture) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(self.handle))
}

func recordFixtureKey(entityType string, entityId int64) string {
	return fmt.Sprintf("%s/%d", entityType, entityId)
}

func (self *consoleFixture) setRecord(record *EntityStatusRecord) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.records[recordFixtureKey(record.EntityType, record.EntityId)] = record
}

func (self *consoleFixture) setContract(contract *ContractRecord) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.contracts[contract.ContractId] = contract
}

func (self *consoleFixture) setEvent(event *EventRecord) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.events[event.EventId] = event
}

func (self *consoleFixture) setVersion(entity string, version int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.versions[entity] = version
}

func (self *consoleFixture) setStatusGetError(statusCode int, message string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.statusGetErrorCode = statusCode
	self.statusGetErrorMessage = message
}

func (self *consoleFixture) setFailMusicianUpdate(fail bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failMusicianUpdate = fail
}

func (self *consoleFixture) setVersionsError(fail bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.versionsError = fail
}

func (self *consoleFixture) setPostDelay(delay time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.postDelay = delay
}

func (self *consoleFixture) statusGets() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.statusGetCount
}

func (self *consoleFixture) contractGets(contractId int64) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.contractGetCounts[contractId]
}

func (self *consoleFixture) statusPostCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.posts)
}

func (self *consoleFixture) statusPost(i int) *UpdateStatusArgs {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.posts[i]
}

func (self *consoleFixture) signCallCount(contractId int64) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, id := range self.signIds {
		if id == contractId {
			count += 1
		}
	}
	return count
}

func (self *consoleFixture) cancelCallCount(contractId int64) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, id := range self.cancelIds {
		if id == contractId {
			count += 1
		}
	}
	return count
}

func (self *consoleFixture) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	parts := strings.Split(path, "/")
	switch {
	case path == "status" && r.Method == "GET":
		self.handleGetStatus(w, r)
	case path == "status" && r.Method == "POST":
		self.handleUpdateStatus(w, r)
	case path == "versions":
		self.handleVersions(w)
	case parts[0] == "contracts" && len(parts) == 2:
		self.handleGetContract(w, parts[1])
	case parts[0] == "contracts" && len(parts) == 3:
		self.handleContractAction(w, parts[1], parts[2])
	case parts[0] == "events" && len(parts) == 2:
		self.handleGetEvent(w, parts[1])
	default:
		writeFixtureError(w, http.StatusNotFound, "not found")
	}
}

func (self *consoleFixture) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entityType")
	entityId, _ := strconv.ParseInt(r.URL.Query().Get("entityId"), 10, 64)

	self.mutex.Lock()
	self.statusGetCount += 1
	errorCode := self.statusGetErrorCode
	errorMessage := self.statusGetErrorMessage
	record, ok := self.records[recordFixtureKey(entityType, entityId)]
	self.mutex.Unlock()

	if errorCode != 0 {
		writeFixtureError(w, errorCode, errorMessage)
		return
	}
	if !ok {
		writeFixtureError(w, http.StatusNotFound, "no status record")
		return
	}
	writeFixtureJson(w, record)
}

func (self *consoleFixture) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	args := &UpdateStatusArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		writeFixtureError(w, http.StatusBadRequest, "malformed body")
		return
	}

	self.mutex.Lock()
	failMusician := self.failMusicianUpdate
	delay := self.postDelay
	self.mutex.Unlock()

	if failMusician && args.EntityType == EntityTypeMusician {
		writeFixtureError(w, http.StatusInternalServerError, "musician status rejected")
		return
	}
	if 0 < delay {
		time.Sleep(delay)
	}

	record := &EntityStatusRecord{
		EntityType:   args.EntityType,
		EntityId:     args.EntityId,
		Status:       args.Status,
		CustomStatus: args.CustomStatus,
		EventId:      args.EventId,
		MusicianId:   args.MusicianId,
		EventDate:    args.EventDate,
		StatusDate:   time.Now().UnixMilli(),
		Metadata:     args.Metadata,
		Source:       StatusSourceCentralized,
	}

	self.mutex.Lock()
	self.posts = append(self.posts, args)
	self.records[recordFixtureKey(args.EntityType, args.EntityId)] = record
	self.mutex.Unlock()

	writeFixtureJson(w, record)
}

func (self *consoleFixture) handleGetContract(w http.ResponseWriter, idStr string) {
	contractId, _ := strconv.ParseInt(idStr, 10, 64)

	self.mutex.Lock()
	self.contractGetCounts[contractId] += 1
	contract, ok := self.contracts[contractId]
	self.mutex.Unlock()

	if !ok {
		writeFixtureError(w, http.StatusNotFound, "no contract")
		return
	}
	writeFixtureJson(w, contract)
}

func (self *consoleFixture) handleGetEvent(w http.ResponseWriter, idStr string) {
	eventId, _ := strconv.ParseInt(idStr, 10, 64)

	self.mutex.Lock()
	self.eventGetCounts[eventId] += 1
	event, ok := self.events[eventId]
	self.mutex.Unlock()

	if !ok {
		writeFixtureError(w, http.StatusNotFound, "no event")
		return
	}
	writeFixtureJson(w, event)
}

func (self *consoleFixture) handleContractAction(w http.ResponseWriter, idStr string, action string) {
	contractId, _ := strconv.ParseInt(idStr, 10, 64)

	self.mutex.Lock()
	switch action {
	case "sign":
		self.signIds = append(self.signIds, contractId)
	case "cancel":
		self.cancelIds = append(self.cancelIds, contractId)
	default:
		self.mutex.Unlock()
		writeFixtureError(w, http.StatusNotFound, "not found")
		return
	}
	contract := self.contracts[contractId]
	self.mutex.Unlock()

	writeFixtureJson(w, &ContractActionResult{
		Contract: contract,
		Message:  action,
	})
}

func (self *consoleFixture) handleVersions(w http.ResponseWriter) {
	self.mutex.Lock()
	versionsError := self.versionsError
	versions := VersionsResult{}
	for entity, version := range self.versions {
		versions[entity] = version
	}
	self.mutex.Unlock()

	if versionsError {
		writeFixtureError(w, http.StatusInternalServerError, "versions unavailable")
		return
	}
	writeFixtureJson(w, versions)
}

func writeFixtureJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func writeFixtureError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"message": message,
	})
}
