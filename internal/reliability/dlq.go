package reliability

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// XDeathHeader is the header RabbitMQ appends to every dead-lettered message.
const XDeathHeader = "x-death"

// Death is one entry of the x-death header.
type Death struct {
	Count       int
	Reason      string
	Queue       string
	Exchange    string
	RoutingKeys []string
	Time        time.Time
}

// FirstRoutingKey returns the routing key the message carried when it was
// dead-lettered, or "" when none was recorded.
func (d Death) FirstRoutingKey() string {
	if len(d.RoutingKeys) == 0 {
		return ""
	}
	return d.RoutingKeys[0]
}

// ExtractDeaths decodes the x-death header. Entries that are not tables are
// skipped.
func ExtractDeaths(headers map[string]interface{}) []Death {
	if headers == nil {
		return nil
	}
	raw, ok := headers[XDeathHeader].([]interface{})
	if !ok {
		return nil
	}

	deaths := make([]Death, 0, len(raw))
	for _, entry := range raw {
		table, ok := asTable(entry)
		if !ok {
			continue
		}
		deaths = append(deaths, Death{
			Count:       getHeaderInt(table, "count"),
			Reason:      getHeaderString(table, "reason"),
			Queue:       getHeaderString(table, "queue"),
			Exchange:    getHeaderString(table, "exchange"),
			RoutingKeys: getHeaderStrings(table, "routing-keys"),
			Time:        getHeaderTime(table, "time"),
		})
	}
	return deaths
}

// Envelope holds the event fields a dead-lettered body is inspected for.
type Envelope struct {
	EventID       string
	EventType     string
	CorrelationID string
	Timestamp     string
}

// ParseEnvelope reads the event envelope from a JSON body, accepting both
// camelCase and snake_case keys.
func ParseEnvelope(body []byte) (Envelope, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidDLQMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: body is not a JSON object", ErrInvalidDLQMessage)
	}

	return Envelope{
		EventID:       firstString(fields, "eventId", "event_id"),
		EventType:     firstString(fields, "eventType", "event_type"),
		CorrelationID: firstString(fields, "correlationId", "correlation_id"),
		Timestamp:     firstString(fields, "timestamp"),
	}, nil
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v := getHeaderString(fields, key); v != "" {
			return v
		}
	}
	return ""
}

func asTable(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return t, true
	case map[string]interface{}:
		return t, true
	}
	return nil, false
}

// getHeaderString safely extracts a string from headers
func getHeaderString(headers map[string]interface{}, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

// getHeaderInt safely extracts an int from headers
func getHeaderInt(headers map[string]interface{}, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

func getHeaderStrings(headers map[string]interface{}, key string) []string {
	raw, ok := headers[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// getHeaderTime safely extracts a time from headers
func getHeaderTime(headers map[string]interface{}, key string) time.Time {
	if headers == nil {
		return time.Time{}
	}
	switch val := headers[key].(type) {
	case int64:
		return time.Unix(val, 0)
	case float64:
		return time.Unix(int64(val), 0)
	case time.Time:
		return val
	}
	return time.Time{}
}
