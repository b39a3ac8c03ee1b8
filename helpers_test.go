package paymentbus

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

func amqpPublishing(eventType string) amqp.Publishing {
	return amqp.Publishing{
		ContentType: "application/json",
		MessageId:   eventType + "-1",
		Type:        eventType,
		Headers:     amqp.Table{rabbitmq.TypeIDHeader: eventType},
		Body:        []byte(`{"eventId":"` + eventType + `-1","eventType":"` + eventType + `"}`),
	}
}
