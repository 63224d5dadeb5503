package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type ConsoleApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewConsoleApi(apiUrl string) *ConsoleApi {
	return NewConsoleApiWithContext(context.Background(), apiUrl)
}

func NewConsoleApiWithContext(ctx context.Context, apiUrl string) *ConsoleApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ConsoleApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *ConsoleApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

const (
	StatusSourceCentralized = "centralized"
	StatusSourceLegacy      = "legacy"
	StatusSourceUnknown     = "unknown"
)

// the unit returned by status resolution. synthesized fresh on each
// resolution and never mutated in place.
type EntityStatusRecord struct {
	EntityType   string         `json:"entityType"`
	EntityId     int64          `json:"entityId"`
	Status       string         `json:"status"`
	CustomStatus string         `json:"customStatus,omitempty"`
	EventId      int64          `json:"eventId,omitempty"`
	MusicianId   int64          `json:"musicianId,omitempty"`
	EventDate    string         `json:"eventDate,omitempty"`
	StatusDate   int64          `json:"statusDate,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Source       string         `json:"source,omitempty"`
}

type GetStatusArgs struct {
	EntityType string
	EntityId   int64
	EventId    int64
	MusicianId int64
	EventDate  string
}

type GetStatusCallback apiCallback[*EntityStatusRecord]

func (self *ConsoleApi) GetStatus(getStatus *GetStatusArgs, callback GetStatusCallback) {
	go get(
		self.ctx,
		self.statusUrl(getStatus),
		self.byJwt,
		&EntityStatusRecord{},
		callback,
	)
}

func (self *ConsoleApi) GetStatusSync(getStatus *GetStatusArgs) (*EntityStatusRecord, error) {
	return get(
		self.ctx,
		self.statusUrl(getStatus),
		self.byJwt,
		&EntityStatusRecord{},
		NewNoopApiCallback[*EntityStatusRecord](),
	)
}

func (self *ConsoleApi) statusUrl(getStatus *GetStatusArgs) string {
	query := url.Values{}
	query.Set("entityType", getStatus.EntityType)
	query.Set("entityId", strconv.FormatInt(getStatus.EntityId, 10))
	if 0 < getStatus.EventId {
		query.Set("eventId", strconv.FormatInt(getStatus.EventId, 10))
	}
	if 0 < getStatus.MusicianId {
		query.Set("musicianId", strconv.FormatInt(getStatus.MusicianId, 10))
	}
	if getStatus.EventDate != "" {
		query.Set("eventDate", getStatus.EventDate)
	}
	return fmt.Sprintf("%s/api/status?%s", self.apiUrl, query.Encode())
}

type UpdateStatusCallback apiCallback[*EntityStatusRecord]

type UpdateStatusArgs struct {
	EntityType   string         `json:"entityType"`
	EntityId     int64          `json:"entityId"`
	Status       string         `json:"status"`
	EventId      int64          `json:"eventId,omitempty"`
	Details      string         `json:"details,omitempty"`
	CustomStatus string         `json:"customStatus,omitempty"`
	MusicianId   int64          `json:"musicianId,omitempty"`
	EventDate    string         `json:"eventDate,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (self *ConsoleApi) UpdateStatus(updateStatus *UpdateStatusArgs, callback UpdateStatusCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/status", self.apiUrl),
		updateStatus,
		self.byJwt,
		&EntityStatusRecord{},
		callback,
	)
}

func (self *ConsoleApi) UpdateStatusSync(updateStatus *UpdateStatusArgs) (*EntityStatusRecord, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/status", self.apiUrl),
		updateStatus,
		self.byJwt,
		&EntityStatusRecord{},
		NewNoopApiCallback[*EntityStatusRecord](),
	)
}

type ContractRecord struct {
	ContractId   int64  `json:"id"`
	EventId      int64  `json:"eventId,omitempty"`
	MusicianId   int64  `json:"musicianId,omitempty"`
	VenueId      int64  `json:"venueId,omitempty"`
	Status       string `json:"status,omitempty"`
	CustomStatus string `json:"customStatus,omitempty"`
	EventDate    string `json:"eventDate,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
}

type GetContractCallback apiCallback[*ContractRecord]

func (self *ConsoleApi) GetContract(contractId int64, callback GetContractCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d", self.apiUrl, contractId),
		self.byJwt,
		&ContractRecord{},
		callback,
	)
}

func (self *ConsoleApi) GetContractSync(contractId int64) (*ContractRecord, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d", self.apiUrl, contractId),
		self.byJwt,
		&ContractRecord{},
		NewNoopApiCallback[*ContractRecord](),
	)
}

// legacy emitters key the status maps by musician id as either a string or
// a number, and entries are either a bare status string or an object with
// status fields. both shapes must be accepted.
type EventRecord struct {
	EventId                int64                     `json:"id"`
	VenueId                int64                     `json:"venueId,omitempty"`
	Name                   string                    `json:"name,omitempty"`
	Date                   string                    `json:"date,omitempty"`
	MusicianStatuses       map[string]any            `json:"musicianStatuses,omitempty"`
	MusicianStatusesByDate map[string]map[string]any `json:"musicianStatusesByDate,omitempty"`
}

type GetEventCallback apiCallback[*EventRecord]

func (self *ConsoleApi) GetEvent(eventId int64, callback GetEventCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/events/%d", self.apiUrl, eventId),
		self.byJwt,
		&EventRecord{},
		callback,
	)
}

func (self *ConsoleApi) GetEventSync(eventId int64) (*EventRecord, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/events/%d", self.apiUrl, eventId),
		self.byJwt,
		&EventRecord{},
		NewNoopApiCallback[*EventRecord](),
	)
}

type SignContractArgs struct {
	Signature  string `json:"signature"`
	SignedByIp string `json:"signedByIp,omitempty"`
}

type CancelContractArgs struct {
	Reason string `json:"reason"`
}

type ContractActionResult struct {
	Contract *ContractRecord `json:"contract,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type ContractActionCallback apiCallback[*ContractActionResult]

func (self *ConsoleApi) SignContract(contractId int64, signContract *SignContractArgs, callback ContractActionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d/sign", self.apiUrl, contractId),
		signContract,
		self.byJwt,
		&ContractActionResult{},
		callback,
	)
}

func (self *ConsoleApi) SignContractSync(contractId int64, signContract *SignContractArgs) (*ContractActionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d/sign", self.apiUrl, contractId),
		signContract,
		self.byJwt,
		&ContractActionResult{},
		NewNoopApiCallback[*ContractActionResult](),
	)
}

func (self *ConsoleApi) CancelContract(contractId int64, cancelContract *CancelContractArgs, callback ContractActionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d/cancel", self.apiUrl, contractId),
		cancelContract,
		self.byJwt,
		&ContractActionResult{},
		callback,
	)
}

func (self *ConsoleApi) CancelContractSync(contractId int64, cancelContract *CancelContractArgs) (*ContractActionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/contracts/%d/cancel", self.apiUrl, contractId),
		cancelContract,
		self.byJwt,
		&ContractActionResult{},
		NewNoopApiCallback[*ContractActionResult](),
	)
}

// logical entity name -> monotonically increasing version
type VersionsResult map[string]int64

type GetVersionsCallback apiCallback[VersionsResult]

func (self *ConsoleApi) GetVersions(callback GetVersionsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/versions", self.apiUrl),
		self.byJwt,
		VersionsResult{},
		callback,
	)
}

func (self *ConsoleApi) GetVersionsSync() (VersionsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/versions", self.apiUrl),
		self.byJwt,
		VersionsResult{},
		NewNoopApiCallback[VersionsResult](),
	)
}

// a 404 must be distinguishable from every other error code, because it is
// the only condition that drives the legacy fallback
func httpError(statusCode int, responseBodyBytes []byte) error {
	if statusCode == http.StatusNotFound {
		return ErrNotFound
	}
	message := strings.TrimSpace(string(responseBodyBytes))
	var errorBody struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(responseBodyBytes, &errorBody); err == nil && errorBody.Message != "" {
		message = errorBody.Message
	}
	return &UpstreamError{
		StatusCode: statusCode,
		Message:    message,
	}
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		err = httpError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		err = httpError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
