package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrEmptyResponse - модель вернула пустой текст.
var ErrEmptyResponse = errors.New("ai returned empty response")

// TransientError - временная ошибка (429, 5xx, сеть), повтор может помочь.
type TransientError struct {
	StatusCode int
	err        error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// FatalError - постоянная ошибка, повторять бессмысленно.
type FatalError struct {
	StatusCode int
	err        error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewTransientError оборачивает ошибку как повторяемую.
func NewTransientError(statusCode int, err error) error {
	return &TransientError{StatusCode: statusCode, err: err}
}

// NewFatalError оборачивает ошибку как неповторяемую.
func NewFatalError(statusCode int, err error) error {
	return &FatalError{StatusCode: statusCode, err: err}
}

// IsTransient - стандартный классификатор для RetryPolicy.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsRetryableStatus: 429 и все 5xx.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classifyStatus превращает HTTP-статус провайдера в Transient/Fatal.
func classifyStatus(code int, err error) error {
	wrapped := fmt.Errorf("llm api error (status %d): %w", code, err)
	if IsRetryableStatus(code) {
		return NewTransientError(code, wrapped)
	}
	return NewFatalError(code, wrapped)
}

// classifyTransport разбирает ошибки без HTTP-статуса: обрыв соединения и таймауты сети
// считаются временными, отмена контекста - нет.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return NewFatalError(0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return NewTransientError(0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(0, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection reset") {
		return NewTransientError(0, err)
	}
	return NewFatalError(0, err)
}
