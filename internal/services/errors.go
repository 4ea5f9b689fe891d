package services

import (
	"errors"
	"strings"
)

// Error codes surfaced by upstream services in GraphQL error extensions.
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
)

// GQLError is a single error entry in a GraphQL response.
type GQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// RequestError reports GraphQL-level errors from an upstream service. It is
// distinct from transport failures: the request was delivered and the
// service answered with errors, so retrying verbatim will not help.
type RequestError struct {
	Service string
	Errors  []GQLError
}

func (e *RequestError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, gqlErr := range e.Errors {
		messages = append(messages, gqlErr.Message)
	}
	return e.Service + ": " + strings.Join(messages, ", ")
}

// Has reports whether any error entry carries the given code.
func (e *RequestError) Has(code string) bool {
	for _, gqlErr := range e.Errors {
		if gqlErr.Extensions.Code == code {
			return true
		}
	}
	return false
}

// IsAccessDenied reports whether err is an upstream permission failure.
func IsAccessDenied(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Has(CodeAccessDenied)
}
