package pipeline

// DispositionKind enumerates the four terminal actions that can be applied to
// a message after processing.
type DispositionKind int

const (
	// DispositionComplete removes the message from the queue.
	DispositionComplete DispositionKind = iota + 1

	// DispositionRetry returns the message to the queue for redelivery.
	DispositionRetry

	// DispositionReject moves the message to the dead-letter area.
	DispositionReject

	// DispositionPostpone parks the message for later or manual processing.
	DispositionPostpone
)

// String returns the lower-case name of the disposition kind.
func (k DispositionKind) String() string {
	switch k {
	case DispositionComplete:
		return "complete"
	case DispositionRetry:
		return "retry"
	case DispositionReject:
		return "reject"
	case DispositionPostpone:
		return "postpone"
	default:
		return "unknown"
	}
}

// Disposition is the immutable outcome of processing one message. The
// pipeline produces at most one per message and the Service applies it to the
// transport exactly once.
type Disposition struct {
	Kind DispositionKind

	// Reason and Description accompany Reject dispositions; Reason is a short
	// machine-readable code, Description is for operators.
	Reason      string
	Description string

	// Properties optionally carries updated application properties on Retry
	// and Postpone dispositions.
	Properties map[string]string
}

// IsZero reports whether d was never assigned a kind.
func (d Disposition) IsZero() bool {
	return d.Kind == 0
}

// Complete returns a disposition that acknowledges the message.
func Complete() Disposition {
	return Disposition{Kind: DispositionComplete}
}

// Retry returns a disposition that requeues the message for redelivery.
func Retry() Disposition {
	return Disposition{Kind: DispositionRetry}
}

// RetryWith returns a Retry disposition carrying updated properties.
func RetryWith(props map[string]string) Disposition {
	return Disposition{Kind: DispositionRetry, Properties: props}
}

// Reject returns a disposition that dead-letters the message.
func Reject(reason, description string) Disposition {
	return Disposition{Kind: DispositionReject, Reason: reason, Description: description}
}

// Postpone returns a disposition that defers the message.
func Postpone() Disposition {
	return Disposition{Kind: DispositionPostpone}
}

// PostponeWith returns a Postpone disposition carrying updated properties.
func PostponeWith(props map[string]string) Disposition {
	return Disposition{Kind: DispositionPostpone, Properties: props}
}
