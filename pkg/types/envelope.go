package types

// Envelope is the response shape for every API action.
type Envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError carries the failure code and message to the caller.
type EnvelopeError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// OKEnvelope wraps a successful result.
func OKEnvelope(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

// ErrorEnvelope wraps a failure.
func ErrorEnvelope(err error) Envelope {
	return Envelope{
		OK: false,
		Error: &EnvelopeError{
			Code:    CodeOf(err),
			Message: err.Error(),
		},
	}
}

// WebSocketMessage is the frame shape pushed to websocket subscribers.
type WebSocketMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
