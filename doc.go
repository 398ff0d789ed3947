// Package redis provides a single long-lived connection to a Redis
// node: RESP2 encode/decode, FIFO command/response correlation, and a
// pub/sub dispatch mode, over one duplex TCP or TLS socket. It does
// not provide connection pooling, cluster or sentinel discovery,
// automatic reconnection, or typed command wrappers beyond the few
// Signature examples in signature.go — build those on top.
package redis
