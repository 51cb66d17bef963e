package errorsx

// Kind classifies a failure by how the pipeline must react to it.
type Kind string

const (
	KindUnknown Kind = "unknown"

	// KindCapture: audio source unavailable or disconnected. Fatal to the session.
	KindCapture Kind = "capture_fault"
	// KindRecognition: recognizer call failed. Retried once, then the buffer is discarded.
	KindRecognition Kind = "recognition_fault"
	// KindIndex: embedding or index write failed. The segment stays durable and is retried later.
	KindIndex Kind = "index_fault"
	// KindStorage: segment store append or read failed.
	KindStorage Kind = "storage_fault"
	// KindCompletion: completion service failed. Surfaced as an unavailable answer.
	KindCompletion Kind = "completion_fault"
)
