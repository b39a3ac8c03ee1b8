package rabbitmq

// Queues, routing keys and headers shared with the other platform services.
const (
	PaymentQueueName     = "payment-events-queue"
	PaymentDLQName       = "payment-events-dlq"
	PaymentDLQRoutingKey = "dlq.payment"

	PaymentToLearningPattern = "payment.to.learning.#"
	LearningToPaymentPattern = "learning.to.payment.#"

	PaymentCompletedKey         = "payment.to.learning.payment.completed"
	BookingCreationRequestedKey = "payment.to.scheduling.booking.requested"

	// TypeIDHeader carries the event type so consumers can pick a decoder
	// without parsing the body.
	TypeIDHeader = "__TypeId__"
)

// Queue arguments understood by RabbitMQ.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
)

const (
	contentTypeJSON = "application/json"
	exchangeKind    = "topic"
)
