package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errAuthentication is returned for every failed credential check. It never
// says which half of the check failed.
var errAuthentication = domainError(http.StatusBadRequest, "AUTHENTICATION_FAILED", "authentication failed", nil)

func validationError(messages []string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid input", messages)
}
