package outbox

import "example.com/presence/internal/events"

const onlineStatusChangedSchema = `{
  "type": "object",
  "title": "OnlineStatusChanged",
  "properties": {
    "eventName": {"const": "OnlineStatusChanged"},
    "data": {
      "type": "object",
      "properties": {
        "userId": {"type": "string", "minLength": 1},
        "isOnline": {"type": "boolean"},
        "occurredAt": {"type": "string", "format": "date-time"}
      },
      "required": ["userId", "isOnline", "occurredAt"],
      "additionalProperties": false
    }
  },
  "required": ["eventName", "data"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.EventOnlineStatusChanged: {
		Schema: onlineStatusChangedSchema,
	},
}

// SubjectForTopic returns the Schema Registry subject used for a topic's record values.
func SubjectForTopic(topic string) string {
	return topic + "-value"
}
