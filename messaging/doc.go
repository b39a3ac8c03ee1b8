// Package messaging routes consumed payment-service messages to handlers by
// event type.
//
// A Dispatcher is a consumer bound to one queue. Handlers are registered per
// event type and selected with the __TypeId__ header of each delivery:
//
//	d := messaging.NewDispatcher("payment-events-queue", []string{"learning.to.payment.#"})
//	d.RegisterHandler("LESSON_BOOKED", messaging.TypedHandler(func(ctx context.Context, e LessonBooked, msg messaging.Message) (bool, error) {
//		return true, bookings.Confirm(ctx, e)
//	}))
//
// Returning (false, nil) sends the message to the dead-letter queue at once;
// returning an error asks the runtime to retry with backoff.
package messaging
