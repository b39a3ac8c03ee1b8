// Package paymentbus wires the payment service onto RabbitMQ.
//
// A Manager brings the messaging layer up in dependency order and tears it
// down again:
//
//	mgr := paymentbus.NewManager(cfg.RabbitMQ, paymentbus.WithLogger(logger))
//	if err := mgr.Startup(ctx, dispatcher); err != nil {
//		return err
//	}
//	defer mgr.Shutdown(context.Background())
//
//	publisher, _ := mgr.Publisher()
//	publisher.PublishEvent(ctx, paymentbus.PaymentCompletedKey, event)
package paymentbus
