// Package relay owns the per-session long-poll relay actors and the pool that
// supervises them.
//
// Responsibilities:
// - Buffer outgoing channel messages until the client polls and acknowledges.
// - Track which channel process serves which topic and observe its exit.
// - Forward client messages into the channel-dispatch layer.
// - Answer transport requests through the session's private bus topic.
//
// Non-responsibilities:
// - HTTP handling, token encoding and channel routing live in adapters/longpoll
//   and channel respectively.
package relay
