package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quaero/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs every published event.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		var taskID, siteID, status string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if v, ok := payload["task_id"].(string); ok {
				taskID = v
			}
			if v, ok := payload["site_id"].(string); ok {
				siteID = v
			}
			if v, ok := payload["status"].(string); ok {
				status = v
			}
		}

		logEvent := logger.Debug().Str("event_type", string(event.Type))
		if taskID != "" {
			logEvent = logEvent.Str("task_id", taskID)
		}
		if siteID != "" {
			logEvent = logEvent.Str("site_id", siteID)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}
		logEvent.Msg("event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to every known event type.
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventTaskCreated,
		interfaces.EventTaskStatusChanged,
		interfaces.EventSiteConfigUpdated,
		interfaces.EventSiteConfigDeleted,
		interfaces.EventKeyUpdated,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Info().Int("event_type_count", len(eventTypes)).Msg("logger subscribed to all event types")
	return nil
}
