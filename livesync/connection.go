package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// one logical, ordered, at-least-once push channel to the server.
// transport errors never escape the manager. they become state transitions
// plus a system message for a transient, non-blocking toast.

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateError        ConnectionState = "error"
)

type StateFunction func(state ConnectionState)
type NotificationFunction func(notification *ChangeNotification)
type MessageFunction func(message string)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// the server pings every 30s
	ReadTimeout  time.Duration
	PingInterval time.Duration

	BaseReconnectDelay     time.Duration
	MaxReconnectDelay      time.Duration
	ReconnectBackoffFactor float64
	MaxReconnectAttempts   int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:     2 * time.Second,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            45 * time.Second,
		PingInterval:           25 * time.Second,
		BaseReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:      30 * time.Second,
		ReconnectBackoffFactor: 1.5,
		MaxReconnectAttempts:   10,
	}
}

// base * factor^attempt, capped at the ceiling
func (self *ConnectionManagerSettings) ReconnectDelay(attempt int) time.Duration {
	delay := time.Duration(float64(self.BaseReconnectDelay) * math.Pow(self.ReconnectBackoffFactor, float64(attempt)))
	if self.MaxReconnectDelay < delay {
		delay = self.MaxReconnectDelay
	}
	return delay
}

// WebsocketUrl derives the push channel url from the console origin by
// upgrading the scheme and fixing the path to /ws.
func WebsocketUrl(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cannot derive websocket url from scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl      string
	auth       *SessionAuth
	instanceId Id

	settings *ConnectionManagerSettings

	stateCallbacks        *CallbackList[StateFunction]
	notificationCallbacks *CallbackList[NotificationFunction]
	messageCallbacks      *CallbackList[MessageFunction]

	mutex      sync.Mutex
	writeMutex sync.Mutex

	state             ConnectionState
	ws                *websocket.Conn
	reconnectTimer    *time.Timer
	reconnectAttempts int
	reconnectEnabled  bool
	networkAvailable  bool
	// orphans goroutines from previous connections
	generation int
}

func NewConnectionManagerWithDefaults(ctx context.Context, wsUrl string, auth *SessionAuth) *ConnectionManager {
	return NewConnectionManager(ctx, wsUrl, auth, DefaultConnectionManagerSettings())
}

func NewConnectionManager(ctx context.Context, wsUrl string, auth *SessionAuth, settings *ConnectionManagerSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	instanceId := NewId()
	if auth != nil && auth.InstanceId != (Id{}) {
		instanceId = auth.InstanceId
	}

	return &ConnectionManager{
		ctx:                   cancelCtx,
		cancel:                cancel,
		wsUrl:                 wsUrl,
		auth:                  auth,
		instanceId:            instanceId,
		settings:              settings,
		stateCallbacks:        NewCallbackList[StateFunction](),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		messageCallbacks:      NewCallbackList[MessageFunction](),
		state:                 ConnectionStateDisconnected,
		reconnectEnabled:      true,
		networkAvailable:      true,
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *ConnectionManager) InstanceId() Id {
	return self.instanceId
}

func (self *ConnectionManager) ReconnectAttempts() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.reconnectAttempts
}

// callbacks fire on state transitions only, never on repeated identical states
func (self *ConnectionManager) AddStateCallback(callback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// notifications are delivered in receipt order
func (self *ConnectionManager) AddNotificationCallback(callback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(callback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddMessageCallback(callback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// Connect is a no-op when already connecting or connected. An explicit
// connect re-enables automatic reconnection after Disconnect(true).
func (self *ConnectionManager) Connect() {
	self.mutex.Lock()
	if self.state == ConnectionStateConnecting || self.state == ConnectionStateConnected {
		self.mutex.Unlock()
		return
	}
	self.clearReconnectTimer()
	self.reconnectEnabled = true
	self.generation += 1
	generation := self.generation
	self.state = ConnectionStateConnecting
	self.mutex.Unlock()

	self.fireState(ConnectionStateConnecting)

	go HandleError(func() {
		self.run(generation)
	})
}

// Disconnect cancels any scheduled reconnect and closes the transport.
// With preventReconnect, automatic reconnection stays suppressed until the
// next explicit Connect.
func (self *ConnectionManager) Disconnect(preventReconnect bool) {
	self.mutex.Lock()
	self.clearReconnectTimer()
	if preventReconnect {
		self.reconnectEnabled = false
	}
	self.generation += 1
	ws := self.ws
	self.ws = nil
	changed := self.state != ConnectionStateDisconnected
	self.state = ConnectionStateDisconnected
	self.mutex.Unlock()

	if ws != nil {
		ws.Close()
	}
	if changed {
		self.fireState(ConnectionStateDisconnected)
	}
}

// before-shutdown hook. in-flight requests elsewhere are allowed to
// complete or fail naturally.
func (self *ConnectionManager) Close() {
	self.Disconnect(true)
	self.cancel()
}

// the "network became available" signal. connects immediately regardless
// of backoff state. an explicit Disconnect(true) still holds until the
// next explicit Connect.
func (self *ConnectionManager) NetworkAvailable() {
	self.mutex.Lock()
	self.networkAvailable = true
	self.reconnectAttempts = 0
	enabled := self.reconnectEnabled
	self.mutex.Unlock()

	if enabled {
		self.Connect()
	}
}

// the "network lost" signal. no reconnection is scheduled until
// connectivity returns.
func (self *ConnectionManager) NetworkLost() {
	self.mutex.Lock()
	self.networkAvailable = false
	self.clearReconnectTimer()
	self.generation += 1
	ws := self.ws
	self.ws = nil
	changed := self.state != ConnectionStateDisconnected
	self.state = ConnectionStateDisconnected
	self.mutex.Unlock()

	if ws != nil {
		ws.Close()
	}
	if changed {
		self.fireState(ConnectionStateDisconnected)
	}
}

// the "tab became visible" signal
func (self *ConnectionManager) Visible() {
	self.mutex.Lock()
	active := self.state == ConnectionStateConnected || self.state == ConnectionStateConnecting
	enabled := self.reconnectEnabled
	self.mutex.Unlock()

	if !active && enabled {
		self.Connect()
	}
}

// RequestRefresh asks the server to re-emit a data category. Advisory only.
func (self *ConnectionManager) RequestRefresh(entity string) error {
	self.mutex.Lock()
	ws := self.ws
	self.mutex.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}

	message, err := json.Marshal(&RefreshRequest{
		Kind:   KindRequestRefresh,
		Entity: entity,
	})
	if err != nil {
		return err
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (self *ConnectionManager) run(generation int) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth != nil && self.auth.ByJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	}

	dialUrl := self.wsUrl
	if u, err := url.Parse(self.wsUrl); err == nil {
		q := u.Query()
		q.Set("instance_id", self.instanceId.String())
		u.RawQuery = q.Encode()
		dialUrl = u.String()
	}

	ws, _, err := dialer.DialContext(self.ctx, dialUrl, header)
	if err != nil {
		glog.Infof("[c]connect error = %s\n", err)
		self.connectionFailed(generation, err)
		return
	}

	self.mutex.Lock()
	if generation != self.generation {
		self.mutex.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.state = ConnectionStateConnected
	self.reconnectAttempts = 0
	self.mutex.Unlock()

	self.fireState(ConnectionStateConnected)

	// a client that lost the connection while another user was editing must
	// not be left stale, so reconnecting behaves like a full refresh
	self.routeNotification(&ChangeNotification{
		Kind:      KindRefreshRequired,
		Entity:    EntityAll,
		Timestamp: time.Now().UnixMilli(),
	})

	go HandleError(func() {
		self.pingLoop(generation, ws)
	})
	self.readLoop(generation, ws)
}

func (self *ConnectionManager) readLoop(generation int, ws *websocket.Conn) {
	defer ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[c]read error = %s\n", err)
			self.connectionLost(generation, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				glog.V(2).Infof("[c]ping\n")
				continue
			}
			var notification ChangeNotification
			if err := json.Unmarshal(message, &notification); err != nil {
				glog.Infof("[c]malformed notification = %s\n", err)
				continue
			}
			glog.V(2).Infof("[c]<- %s %s\n", notification.Kind, notification.Entity)
			self.routeNotification(&notification)
		}
	}
}

func (self *ConnectionManager) pingLoop(generation int, ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}

		self.mutex.Lock()
		stale := generation != self.generation
		self.mutex.Unlock()
		if stale {
			return
		}

		self.writeMutex.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.TextMessage, []byte{})
		self.writeMutex.Unlock()
		if err != nil {
			// the read loop surfaces the close
			return
		}
		glog.V(2).Infof("[c]->ping\n")
	}
}

func (self *ConnectionManager) connectionFailed(generation int, err error) {
	self.mutex.Lock()
	if generation != self.generation {
		self.mutex.Unlock()
		return
	}
	self.ws = nil
	self.state = ConnectionStateError
	self.mutex.Unlock()

	self.fireState(ConnectionStateError)
	self.fireMessage(fmt.Sprintf("Connection failed: %s", err))
	self.scheduleReconnect()
}

func (self *ConnectionManager) connectionLost(generation int, err error) {
	self.mutex.Lock()
	if generation != self.generation {
		self.mutex.Unlock()
		return
	}
	self.ws = nil
	self.state = ConnectionStateDisconnected
	self.mutex.Unlock()

	self.fireState(ConnectionStateDisconnected)
	self.fireMessage("Connection lost")
	self.scheduleReconnect()
}

func (self *ConnectionManager) scheduleReconnect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !self.reconnectEnabled || !self.networkAvailable {
		return
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
		glog.Infof("[c]reconnect attempts exhausted\n")
		return
	}

	delay := self.settings.ReconnectDelay(self.reconnectAttempts)
	self.reconnectAttempts += 1
	// at most one pending timer at a time
	self.clearReconnectTimer()
	self.reconnectTimer = time.AfterFunc(delay, func() {
		HandleError(func() {
			self.Connect()
		})
	})
	glog.Infof("[c]reconnect in %s\n", delay)
}

// must hold mutex
func (self *ConnectionManager) clearReconnectTimer() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *ConnectionManager) fireState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *ConnectionManager) fireMessage(message string) {
	for _, callback := range self.messageCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(message)
		})
	}
}

func (self *ConnectionManager) routeNotification(notification *ChangeNotification) {
	for _, callback := range self.notificationCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(notification)
		})
	}
}
