// Package apperr defines the error taxonomy shared by the store and the lobby.
//
// Every failure reported over the wire carries a Code (the taxonomy bucket)
// and an optional Reason (a stable machine-readable detail such as
// VERSION_EXISTS). Only CodeProtocol is fatal to a connection.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the taxonomy bucket of an error.
type Code string

const (
	CodeAuth            Code = "AUTH"
	CodeAuthorization   Code = "AUTHORIZATION"
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeCapacity        Code = "CAPACITY"
	CodeVersionMismatch Code = "VERSION_MISMATCH"
	CodeSpawnFail       Code = "SPAWN_FAIL"
	CodeProtocol        Code = "PROTOCOL"
	CodeInternal        Code = "INTERNAL"
)

// Reasons used across services.
const (
	ReasonBadCredentials     = "BAD_CREDENTIALS"
	ReasonAuthRequired       = "AUTH_REQUIRED"
	ReasonSessionExpired     = "SESSION_EXPIRED"
	ReasonWrongRole          = "WRONG_ROLE"
	ReasonNotOwner           = "NOT_OWNER"
	ReasonUserExists         = "USER_EXISTS"
	ReasonBadField           = "BAD_FIELD"
	ReasonVersionExists      = "VERSION_EXISTS"
	ReasonVersionInvalid     = "VERSION_INVALID"
	ReasonVersionRequired    = "VERSION_REQUIRED"
	ReasonVersionNotMonotone = "VERSION_NOT_MONOTONIC"
	ReasonManifestMissing    = "MANIFEST_MISSING"
	ReasonManifestInvalid    = "MANIFEST_INVALID"
	ReasonEntryMissing       = "ENTRY_NOT_FOUND"
	ReasonArchiveInvalid     = "ARCHIVE_INVALID"
	ReasonNeedDownload       = "NEED_DOWNLOAD_FIRST"
	ReasonBadScore           = "BAD_SCORE"
	ReasonRoomExists         = "ROOM_EXISTS"
	ReasonRoomFull           = "ROOM_FULL"
	ReasonRoomNotWaiting     = "ROOM_NOT_WAITING"
	ReasonBelowMinimum       = "BELOW_MINIMUM"
	ReasonNotMember          = "NOT_MEMBER"
	ReasonUnknownOp          = "UNKNOWN_OP"

	ReasonSpawnEntryMissing = "ENTRY_MISSING"
	ReasonSpawnExited       = "EXITED"
	ReasonSpawnTimeout      = "TIMEOUT"
	ReasonSpawnCanceled     = "CANCELED"
	ReasonSpawnStart        = "START_FAILED"
	ReasonPortsExhausted    = "PORTS_EXHAUSTED"
)

// Error is a classified error with optional structured details.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Reason != "" {
		msg = e.Reason + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// With attaches a detail field and returns the same error.
func (e *Error) With(key string, val any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = val
	return e
}

// New builds an error in the given bucket.
func New(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error around a cause.
func Wrap(code Code, reason string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Auth(reason, format string, args ...any) *Error {
	return New(CodeAuth, reason, format, args...)
}

func Authorization(reason, format string, args ...any) *Error {
	return New(CodeAuthorization, reason, format, args...)
}

func Validation(reason, format string, args ...any) *Error {
	return New(CodeValidation, reason, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, "", format, args...)
}

func Capacity(reason, format string, args ...any) *Error {
	return New(CodeCapacity, reason, format, args...)
}

func VersionMismatch(format string, args ...any) *Error {
	return New(CodeVersionMismatch, "", format, args...)
}

func SpawnFail(reason string, cause error, format string, args ...any) *Error {
	return Wrap(CodeSpawnFail, reason, cause, format, args...)
}

func Protocol(cause error, format string, args ...any) *Error {
	return Wrap(CodeProtocol, "", cause, format, args...)
}

// From classifies any error. Unclassified errors become CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "internal error", Cause: err}
}

// CodeOf returns the taxonomy code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Fatal reports whether err must terminate the connection.
func Fatal(err error) bool { return CodeOf(err) == CodeProtocol }

// Sentinels usable with errors.Is.
var (
	ErrAuth            = &Error{Code: CodeAuth}
	ErrAuthorization   = &Error{Code: CodeAuthorization}
	ErrValidation      = &Error{Code: CodeValidation}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrCapacity        = &Error{Code: CodeCapacity}
	ErrVersionMismatch = &Error{Code: CodeVersionMismatch}
	ErrSpawnFail       = &Error{Code: CodeSpawnFail}
	ErrProtocol        = &Error{Code: CodeProtocol}
)
