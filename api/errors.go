package api

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalOperation              = errors.New("initsync: illegal operation")
	ErrShutdownInProgress            = errors.New("initsync: shutdown in progress")
	ErrCallbackCanceled              = errors.New("initsync: callback canceled")
	ErrBadValue                      = errors.New("initsync: bad value")
	ErrInitialSyncOplogSourceMissing = errors.New("initsync: no valid sync source")
	ErrInvalidSyncSource             = errors.New("initsync: invalid sync source")
	ErrUnrecoverableRollback         = errors.New("initsync: unrecoverable rollback")
	ErrNoMatchingDocument            = errors.New("initsync: no matching document")
	ErrNoSuchKey                     = errors.New("initsync: no such key")
	ErrTypeMismatch                  = errors.New("initsync: type mismatch")
	ErrIncompatibleServerVersion     = errors.New("initsync: incompatible server version")
	ErrTooManyMatchingDocuments      = errors.New("initsync: too many matching documents")
	ErrOplogOutOfOrder               = errors.New("initsync: oplog out of order")
	ErrRemoteResultsUnavailable      = errors.New("initsync: remote results unavailable")
	ErrHostUnreachable               = errors.New("initsync: host unreachable")
	ErrNetworkTimeout                = errors.New("initsync: network timeout")
	ErrCommandFailed                 = errors.New("initsync: command failed")
)

// IsRetriable reports whether err is a transient network failure that may
// succeed when the same request is sent again.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrHostUnreachable) || errors.Is(err, ErrNetworkTimeout)
}

// CommandError is a remote command reply with ok: 0.
type CommandError struct {
	Code     int64
	CodeName string
	Message  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s (%d): %s", e.CodeName, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// CheckReply converts an {ok: 0} reply into a *CommandError.
func CheckReply(reply Document) error {
	ok, err := reply.Float64("ok")
	if err != nil {
		return fmt.Errorf("%w: reply has no ok field", ErrBadValue)
	}
	if ok != 0 {
		return nil
	}
	code, _ := reply.Int64("code")
	name, _ := reply.String("codeName")
	msg, _ := reply.String("errmsg")
	return &CommandError{Code: code, CodeName: name, Message: msg}
}
