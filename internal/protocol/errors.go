package protocol

type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeAlreadyMember    Code = "ALREADY_MEMBER"
	CodeNotMember        Code = "NOT_MEMBER"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeWrongSecret      Code = "WRONG_SECRET"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeTransient        Code = "TRANSIENT"
	CodeFatal            Code = "FATAL"
)

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorBody is the REST error envelope.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}
