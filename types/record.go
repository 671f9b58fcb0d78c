//nolint:revive // types is a common Go package naming convention
package types

import "time"

// EventRecord is a validated stream event stamped with its position in a run.
// It is the unit handed to event policies and persisted to the run archive.
type EventRecord struct {
	// RunID is the run the event belongs to.
	RunID string `json:"run_id" msgpack:"run_id"`
	// Seq is the 1-based position among valid events of the run.
	Seq int64 `json:"seq" msgpack:"seq"`
	// ReceivedAt is when the frame was decoded.
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
	// Size is the payload size in bytes as received.
	Size int `json:"size" msgpack:"size"`
	// Event is the normalized event.
	Event StreamEvent `json:"event" msgpack:"event"`
}
