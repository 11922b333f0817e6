package contracts

import (
	"fmt"
)

// StatusResult is the outcome carried by a RequestResult
type StatusResult string

const (
	StatusSuccess StatusResult = "Success"
	StatusFailed  StatusResult = "Failed"
)

// RequestResult is attached to every response body. The zero value is a
// success, so a response that leaves Result unset reports success.
type RequestResult struct {
	Result     StatusResult `json:"Result" msgpack:"Result"`
	ResultCode int          `json:"ResultCode" msgpack:"ResultCode"`
	Message    string       `json:"Message,omitempty" msgpack:"Message,omitempty"`
}

// NewSuccessResult returns a successful result
func NewSuccessResult() RequestResult {
	return RequestResult{Result: StatusSuccess}
}

// NewFailedResult returns a failed result with a code and detail message
func NewFailedResult(code int, message string) RequestResult {
	return RequestResult{
		Result:     StatusFailed,
		ResultCode: code,
		Message:    message,
	}
}

// IsSuccess reports whether the result signals success
func (r RequestResult) IsSuccess() bool {
	return r.Result == StatusSuccess || r.Result == ""
}

// Err returns nil on success and a descriptive error otherwise
func (r RequestResult) Err() error {
	if r.IsSuccess() {
		return nil
	}
	if r.Message == "" {
		return fmt.Errorf("request failed with code %d", r.ResultCode)
	}
	return fmt.Errorf("request failed with code %d: %s", r.ResultCode, r.Message)
}
