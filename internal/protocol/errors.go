package protocol

// Wire error codes carried in the data of an error envelope.
const (
	CodeSessionNotFound    = "session_not_found"
	CodeSessionFull        = "session_full"
	CodeInvalidMessage     = "invalid_message"
	CodeUnsupportedMessage = "unsupported_message"
	CodeUnsupportedUpdate  = "unsupported_update"
	CodeInvalidUpdate      = "invalid_update"
	CodeRoleViolation      = "role_violation"
	CodeNotInSession       = "not_in_session"
	CodeInternal           = "internal"
)

// Error is the data of an error envelope. It doubles as a Go error on the client side.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
