// Package rabbitmq is the broker layer of the payment service.
//
// A ConnectionProvider owns a bounded pool of connections and a bounded pool
// of channels with publisher confirms enabled. The TopologyManager declares
// the payment exchanges and queues, the Publisher sends events and waits for
// the broker's confirmation, and the ConsumerRuntime runs registered
// consumers with retry and dead-lettering.
package rabbitmq
