// Package natsbus carries phaseflow traffic over NATS.
//
// Task requests go out as request/reply messages on
//
//	<prefix>.tasks.<kind>
//
// and are answered by workers started with Serve. Lifecycle events are
// published to
//
//	<prefix>.events.<run_id>.<event_type>
//
// Phase artifacts can be kept in a JetStream key-value bucket, keyed by
// <run_id>.<phase>, using Create so every key is written at most once.
package natsbus
