package types

// API error codes
const (
	ErrCodeBadRequest  = "POLLER_400"
	ErrCodeForbidden   = "POLLER_403"
	ErrCodeNotFound    = "POLLER_404"
	ErrCodeUnavailable = "POLLER_503"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
