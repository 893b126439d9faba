// Package rabbitmq provides the RabbitMQ plumbing of the subscriber runtime.
//
// This package includes:
//   - ConnectionManager: Manages the broker connection across one or more endpoints with automatic reconnection
//   - ChannelWrapper: Keeps a channel open across failures and replays setup functions on every reopen
//   - TopologyManager: Declares exchanges, queues, and bindings
//   - Consumer: Pumps deliveries from a queue into a handler, optionally on a bounded worker pool
//
// Acknowledgement decisions are not made here; handlers own their deliveries.
package rabbitmq
