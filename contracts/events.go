package contracts

// PaymentCompletedEvent is emitted when a payment transaction completes.
type PaymentCompletedEvent struct {
	BaseEvent
	UserID           string `json:"userId"`
	ProductID        int64  `json:"productId"`
	ScheduledEventID *int64 `json:"scheduledEventId"`
}

// NewPaymentCompletedEvent creates a PAYMENT_COMPLETED event.
func NewPaymentCompletedEvent(userID string, productID int64, scheduledEventID *int64) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent:        NewBaseEvent(PaymentCompleted),
		UserID:           userID,
		ProductID:        productID,
		ScheduledEventID: scheduledEventID,
	}
}

// BookingCreationRequestedEvent asks the scheduling service to book the
// lessons a completed payment paid for.
type BookingCreationRequestedEvent struct {
	BaseEvent
	UserID           string  `json:"userId"`
	ScheduledEventID *int64  `json:"scheduledEventId"`
	LessonIDs        []int64 `json:"lessonIds"`
}

// NewBookingCreationRequestedEvent creates a BOOKING_CREATION_REQUESTED event.
func NewBookingCreationRequestedEvent(userID string, scheduledEventID *int64, lessonIDs []int64) *BookingCreationRequestedEvent {
	return &BookingCreationRequestedEvent{
		BaseEvent:        NewBaseEvent(BookingCreationRequested),
		UserID:           userID,
		ScheduledEventID: scheduledEventID,
		LessonIDs:        lessonIDs,
	}
}
