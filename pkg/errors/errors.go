package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
	ErrInternalServer    = errors.New("internal server error")
	ErrPersistence       = errors.New("persistence unavailable")
	ErrDuplicate         = errors.New("duplicate suppressed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrSendInFlight      = errors.New("message with this provisional id is being stored")
	ErrInvalidToken      = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrTokenExpired      = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrMessageNotFound   = fmt.Errorf("%w: message not found", ErrNotFound)
	ErrGroupNotFound     = fmt.Errorf("%w: group not found", ErrNotFound)
	ErrNotRoomMember     = fmt.Errorf("%w: not a room member", ErrForbidden)
	ErrNotMessageSender  = fmt.Errorf("%w: only sender can do this", ErrForbidden)
	ErrOwnMessageRead    = fmt.Errorf("%w: cannot mark own message as read", ErrBadRequest)
	ErrMessageUnsent     = fmt.Errorf("%w: message was unsent", ErrBadRequest)
	ErrInvalidRoomKey    = fmt.Errorf("%w: invalid room key", ErrBadRequest)
	ErrEmptyMessage      = fmt.Errorf("%w: message has no content", ErrBadRequest)
	ErrUnknownEvent      = fmt.Errorf("%w: unknown event", ErrBadRequest)
	ErrAlreadyAuthorized = fmt.Errorf("%w: session already authenticated", ErrBadRequest)
)

// Коды ошибок, которые уходят клиенту в messageError
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeValidation   = "validation"
	CodePersistence  = "persistence"
	CodeDuplicate    = "duplicate"
	CodeRateLimited  = "rate_limited"
	CodeInFlight     = "in_flight"
	CodeInternal     = "internal"
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Persistence оборачивает ошибку хранилища, сохраняя исходную причину в цепочке
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBadRequest):
		return CodeValidation
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrSendInFlight):
		return CodeInFlight
	default:
		return CodeInternal
	}
}

// Retryable сообщает клиенту, имеет ли смысл повторить действие без изменений
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrSendInFlight)
}

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrDuplicate):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Is и As реэкспортированы, чтобы пакеты не импортировали два errors
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
