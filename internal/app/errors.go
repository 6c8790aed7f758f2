package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/teotwaki/liro/internal/link"
	"github.com/teotwaki/liro/internal/reconcile"
	"github.com/teotwaki/liro/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, link.ErrChallengeNotFound):
		return http.StatusNotFound, "CHALLENGE_NOT_FOUND", "This link has expired or was already used. Run /link again.", nil
	case errors.Is(err, link.ErrDuplicateLink):
		return http.StatusConflict, "DUPLICATE_LINK", "This lichess account is already linked to another member.", nil
	case errors.Is(err, link.ErrAlreadyLinked):
		return http.StatusConflict, "ALREADY_LINKED", "Your account is already linked. Use /unlink first.", nil
	case errors.Is(err, link.ErrRestrictedAccount):
		return http.StatusForbidden, "RESTRICTED_ACCOUNT", "Bot accounts cannot be linked.", nil
	case errors.Is(err, link.ErrUpstream),
		errors.Is(err, reconcile.ErrFetchRatings),
		errors.Is(err, reconcile.ErrMemberRoles):
		return http.StatusBadGateway, "UPSTREAM", "lichess or Discord is unavailable, please try again later.", nil
	case errors.Is(err, store.ErrStale):
		return http.StatusConflict, "STALE", "Your record changed while updating, please try again.", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong, please try again later.", nil
}

// userMessage is the text shown to a member for a failed command.
func userMessage(err error) string {
	_, _, message, _ := mapError(err)
	return message
}
