package dispatch

// Result is the value surface a handler returns. It is a sealed sum type:
// the only values are nil (no output), Value, Values, and To. The output
// router normalizes every variant into an OutboundBatch.
type Result interface {
	isResult()
}

// single carries one value for the default output channel.
type single struct {
	value any
}

// multiple carries an ordered sequence of values, each becoming its own
// outbound message on the default output channel.
type multiple struct {
	values []any
}

// override carries one value addressed to an explicit destination.
type override struct {
	destination string
	value       any
}

func (single) isResult()   {}
func (multiple) isResult() {}
func (override) isResult() {}

// Value returns a result carrying one value for the registration's default
// output channel.
func Value(v any) Result {
	return single{value: v}
}

// Values returns a result whose elements each become an independent outbound
// message, all to the default output channel, preserving order.
func Values(vs ...any) Result {
	return multiple{values: vs}
}

// To returns a result carrying one value addressed to destination. The
// registration's default output channel is ignored for this message.
func To(destination string, v any) Result {
	return override{destination: destination, value: v}
}
