// Package channel is the channel-dispatch layer behind session relays.
//
// A Router maps topics to Handlers. Joining a topic spawns a Process that
// owns that topic for one session; the relay monitors the Process through
// the relay.Handle interface and is told about its exit.
package channel
