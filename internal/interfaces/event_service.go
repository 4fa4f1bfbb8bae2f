package interfaces

import "context"

// EventType identifies the kind of event published through EventService.
type EventType string

const (
	// EventTaskCreated names task admission. No component publishes it; the
	// logger subscriber listens for it.
	EventTaskCreated EventType = "task_created"
	// EventTaskStatusChanged names a task status transition. No component
	// publishes it; cancellations made through DELETE /tasks/{task_id} reach
	// websocket clients through events.TaskEventAggregator instead.
	EventTaskStatusChanged EventType = "task_status_changed"
	// EventSiteConfigUpdated fires when the site registry's in-memory entry for a site changes.
	EventSiteConfigUpdated EventType = "site_config_updated"
	// EventSiteConfigDeleted fires when a site is removed from the registry.
	EventSiteConfigDeleted EventType = "site_config_deleted"
	// EventKeyUpdated fires when a key/value override changes, invalidating the config cache.
	EventKeyUpdated EventType = "key_updated"
)

// Event is a single published occurrence. Payload is event-specific; the
// site and key events published here carry the site_id or key as a string.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler processes a published event. A returned error is logged by
// the publisher but never propagated to other subscribers.
type EventHandler func(ctx context.Context, event Event) error

// EventService is a simple in-process pub/sub bus used to decouple the
// site-config and config-key handlers from their consumers (websocket
// fan-out, cache invalidation, structured logging).
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Unsubscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
