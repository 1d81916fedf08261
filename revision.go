package eventflow

// StreamState expresses the writer's expectation about a stream at append
// time. It is a closed set: Any, NoStream, StreamExists and Revision.
type StreamState interface {
	streamState()
}

// Any means append without checking the current revision.
type Any struct{}

func (Any) streamState() {}

// NoStream means the stream must not exist yet. It is equivalent to
// Revision(0): appending to an existing stream with it fails.
type NoStream struct{}

func (NoStream) streamState() {}

// StreamExists means the stream must already have at least one event.
type StreamExists struct{}

func (StreamExists) streamState() {}

// Revision expects the stream's highest version to be exactly this value.
// Revision(0) asserts the stream does not exist.
type Revision uint64

func (Revision) streamState() {}
