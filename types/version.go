package types

// Version is the canonical project version.
// The CLI, the capture format, and the run archive share this version.
const Version = "0.3.0"

// CaptureVersion is the version of the stream capture format.
// Captures with a different major version are rejected by the reader.
const CaptureVersion = "0.3.0"
