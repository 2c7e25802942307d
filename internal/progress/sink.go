package progress

import "context"

// Sink receives batches of task events from the Hub. A batch is never empty
// and belongs to the sink; Consume must return once ctx expires.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the narrow view phases and the Recorder hold of the Hub.
type Emitter interface {
	Emit(evt Event)
}
