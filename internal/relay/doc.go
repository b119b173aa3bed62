// ABOUTME: Package relay orchestrates courier-hub's message flows
// ABOUTME: Ties the store, broadcaster, whitelist, transport, replies, and push together

// Package relay implements the message relay core and its HTTP surface.
//
// # Flows
//
// Inbound: the transport delivers received messages to POST /new-message
// behind a shared secret. Genuine inbound messages (not echoes of the
// hub's own sends, not redeliveries) are persisted, broadcast to stream
// subscribers, and pushed to registered devices. When automated replies
// are enabled, a reply is generated from recent chat history, checked
// against the whitelist, delivered through the transport, and recorded
// like any other outbound message. Reply failures never affect the
// already-stored inbound message.
//
// Outbound: clients send via POST /api/v1/messages/send. The whitelist
// is checked first, then the transport; nothing is persisted for a
// message that was never delivered.
//
// # Ordering
//
// Append+publish pairs for the same chat are serialized by a relay-held
// lock, so the SSE stream observes messages in exactly store order.
//
// # HTTP surface
//
//	POST   /new-message               transport webhook (X-Webhook-Secret)
//	GET    /api/v1/chats              all chats
//	POST   /api/v1/chats              create an empty chat
//	DELETE /api/v1/chats/{chatId}     delete a chat and its history
//	GET    /api/v1/messages           ?chatId=&limit=, oldest-first
//	POST   /api/v1/messages/send      outbound send
//	GET    /api/v1/stream             SSE live updates
//	POST   /api/v1/device/register    push token registration
//	POST   /api/v1/device/unregister  push token removal
//	POST   /api/v1/auth/signup        account + JWT (auth enabled only)
//	POST   /api/v1/auth/login         JWT (auth enabled only)
//	GET    /api/v1/bots               persona catalog
//	GET    /health, /health/ready     liveness and readiness
package relay
