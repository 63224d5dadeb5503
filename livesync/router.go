package livesync

import (
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// routes raw change notifications from the connection manager into cache
// partition invalidations, and fans canonicalized entity names out to
// subscribed ui code.

type EntityFunction func(partition string)

type entitySubscription struct {
	callback EntityFunction
	filter   []string
}

type ChangeRouterSettings struct {
	RefreshNotice string
}

func DefaultChangeRouterSettings() *ChangeRouterSettings {
	return &ChangeRouterSettings{
		RefreshNotice: "Data was refreshed by another session",
	}
}

type ChangeRouter struct {
	aliases  *AliasTable
	cache    Cache
	settings *ChangeRouterSettings

	subscriptions    *CallbackList[*entitySubscription]
	messageCallbacks *CallbackList[MessageFunction]

	managerUnsub func()
}

func NewChangeRouterWithDefaults(manager *ConnectionManager, aliases *AliasTable, cache Cache) *ChangeRouter {
	return NewChangeRouter(manager, aliases, cache, DefaultChangeRouterSettings())
}

func NewChangeRouter(manager *ConnectionManager, aliases *AliasTable, cache Cache, settings *ChangeRouterSettings) *ChangeRouter {
	router := &ChangeRouter{
		aliases:          aliases,
		cache:            cache,
		settings:         settings,
		subscriptions:    NewCallbackList[*entitySubscription](),
		messageCallbacks: NewCallbackList[MessageFunction](),
	}
	if manager != nil {
		router.managerUnsub = manager.AddNotificationCallback(router.HandleNotification)
	}
	return router
}

func (self *ChangeRouter) Close() {
	if self.managerUnsub != nil {
		self.managerUnsub()
		self.managerUnsub = nil
	}
}

// notifications are processed synchronously with respect to each other.
// the connection manager calls this from a single read loop.
func (self *ChangeRouter) HandleNotification(notification *ChangeNotification) {
	switch notification.Kind {
	case KindSystemMessage:
		if notification.Message != "" {
			self.fireMessage(notification.Message)
		}
	case KindDataUpdate, KindRefreshRequired:
		self.invalidate(notification)
	default:
		glog.V(2).Infof("[r]ignore kind %q\n", notification.Kind)
	}
}

func (self *ChangeRouter) invalidate(notification *ChangeNotification) {
	entity := notification.Entity
	if entity == "" {
		entity = EntityAll
	}

	if entity == EntityAll {
		if self.cache != nil {
			self.cache.InvalidateAll()
		}
		glog.V(2).Infof("[r]invalidate all\n")
		self.fireEntity(EntityAll)
		return
	}

	// Resolve returns a set, so each partition is invalidated at most once
	// per notification even with legacy alias overlap
	partitions := self.aliases.Resolve(entity)
	for _, partition := range partitions {
		if self.cache != nil {
			self.cache.InvalidatePartition(partition)
		}
		glog.V(2).Infof("[r]invalidate %s\n", partition)
	}
	for _, partition := range partitions {
		self.fireEntity(partition)
	}

	if notification.Kind == KindRefreshRequired {
		self.fireMessage(self.settings.RefreshNotice)
	}
}

// Subscribe delivers canonicalized partition names. With a filter, only
// partitions in the filter (or the universal entity) reach the callback.
func (self *ChangeRouter) Subscribe(callback EntityFunction, filter ...string) func() {
	subscriptionId := self.subscriptions.Add(&entitySubscription{
		callback: callback,
		filter:   filter,
	})
	return func() {
		self.subscriptions.Remove(subscriptionId)
	}
}

func (self *ChangeRouter) AddMessageCallback(callback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *ChangeRouter) fireEntity(partition string) {
	for _, subscription := range self.subscriptions.Get() {
		if 0 < len(subscription.filter) && partition != EntityAll && !slices.Contains(subscription.filter, partition) {
			continue
		}
		subscription := subscription
		HandleError(func() {
			subscription.callback(partition)
		})
	}
}

func (self *ChangeRouter) fireMessage(message string) {
	for _, callback := range self.messageCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(message)
		})
	}
}
