package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類です。HTTP ステータスへの対応は http.go が持ちます。
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindForbidden
	KindInvalidInput
	KindInvalidTransition
	KindDependency
	KindReconciliation
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindForbidden:
		return "FORBIDDEN"
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindDependency:
		return "DEPENDENCY_FAILURE"
	case KindReconciliation:
		return "RECONCILIATION_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}

// errors.Is で分類を判定するための番兵です。
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrDependency        = &Error{Kind: KindDependency}
	ErrReconciliation    = &Error{Kind: KindReconciliation}
)

// Error はクライアントへ返すコードとメッセージを保持するエラーです。
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", code, e.Message)
	default:
		return code
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は Kind が一致すれば同一とみなします。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func notFound(jobID string) *Error {
	return newError(KindNotFound, "JOB_NOT_FOUND", fmt.Sprintf("job not found: %s", jobID), nil)
}

func jobExists(jobID string) *Error {
	return newError(KindInvalidInput, "JOB_EXISTS", fmt.Sprintf("job already exists: %s", jobID), nil)
}

// NotFoundError は job_id のジョブが存在しないことを表します。ストア実装向けです。
func NotFoundError(jobID string) error { return notFound(jobID) }

// ExistsError は同じ job_id のジョブが既に存在することを表します。
func ExistsError(jobID string) error { return jobExists(jobID) }

func invalidInput(message string) *Error {
	return newError(KindInvalidInput, "INVALID_INPUT", message, nil)
}

func dependencyFailure(message string, err error) *Error {
	return newError(KindDependency, "DEPENDENCY_FAILURE", message, err)
}

// TransitionError は状態遷移の前提条件を満たさなかったことを表します。
type TransitionError struct {
	JobID   string
	Current Status
	Target  Status
}

func (e *TransitionError) Error() string {
	if e.Current.Terminal() {
		return fmt.Sprintf("job %s is already in terminal state: %s", e.JobID, e.Current)
	}
	if e.Target != "" {
		return fmt.Sprintf("job %s cannot move to %s, current status: %s", e.JobID, e.Target, e.Current)
	}
	return fmt.Sprintf("job %s: invalid transition, current status: %s", e.JobID, e.Current)
}

// Is は ErrInvalidTransition と一致します。
func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInvalidTransition
}

// AlreadyTerminal は現在状態が終端かどうかを返します。
func (e *TransitionError) AlreadyTerminal() bool {
	return e.Current.Terminal()
}

// KindOf は err の分類を返します。
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return KindInvalidTransition
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindInternal
}
