// ABOUTME: Fixed-window rate limiting for inbound gateway traffic.
// ABOUTME: Counters are keyed per entity (node, server, client) and swept periodically.

// Package ratelimit provides weighted fixed-window counters used on every
// inbound message path, a warn-once tracker to keep throttle logging quiet,
// and a TTL-cached view of the persisted limit settings so the store is not
// read per message.
package ratelimit
