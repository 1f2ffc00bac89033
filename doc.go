// Package apmrouter ships batches of metric samples to APM routers.
//
// A batch (see package batch) is split into chunks that each fit the
// transport limit, then written by a Sender:
//
//   - UDPSender writes every chunk as one datagram, optionally gzipped,
//     from a bounded queue drained by a fixed set of workers.
//   - TCPSender keeps a pool of connections per router, picks the router
//     from the batch routing key and guards every router with a circuit
//     breaker. Batches built with wire.OpSendMetricDirect wait for the
//     router to confirm every chunk.
//
// Senders account every sample as sent or dropped, see SenderStats.
//
// The receiving side lives in package router.
package apmrouter
