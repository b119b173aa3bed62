// Package dedupe suppresses redelivered webhook messages. The message
// source retries deliveries on timeouts and restarts; the tracker
// remembers processed message IDs for a bounded window so a retry of an
// already-stored message is discarded while a retry of a failed one is
// processed normally.
package dedupe
