package domain

import (
	"errors"
	"fmt"
)

// Error codes sent to clients in battleError replies
const (
	CodeBattleNotFound   = "BATTLE_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeNotAuthorized    = "NOT_AUTHORIZED"
	CodeNotActive        = "NOT_ACTIVE"
	CodeInvalidRecipient = "INVALID_RECIPIENT"
	CodeAlreadyVoted     = "ALREADY_VOTED"
	CodeUserBanned       = "USER_BANNED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUserBusy         = "USER_BUSY"
	CodeConflict         = "CONFLICT"
	CodeOperationFailed  = "OPERATION_FAILED"
)

// CodedError is a recoverable error with a protocol code
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return e.Message
}

// Domain errors
var (
	ErrBattleNotFound   = &CodedError{Code: CodeBattleNotFound, Message: "battle not found"}
	ErrInvalidState     = &CodedError{Code: CodeInvalidState, Message: "battle is not pending"}
	ErrNotAuthorized    = &CodedError{Code: CodeNotAuthorized, Message: "not authorized for this battle"}
	ErrNotActive        = &CodedError{Code: CodeNotActive, Message: "battle is not active"}
	ErrInvalidRecipient = &CodedError{Code: CodeInvalidRecipient, Message: "recipient is not part of this battle"}
	ErrAlreadyVoted     = &CodedError{Code: CodeAlreadyVoted, Message: "already voted in this battle"}
	ErrChallengeExpired = &CodedError{Code: CodeInvalidState, Message: "challenge has expired"}
	ErrInvalidGiftValue = &CodedError{Code: CodeValidation, Message: "gift value must be a positive integer"}
	ErrGiftTooLarge     = &CodedError{Code: CodeValidation, Message: "gift value exceeds the allowed maximum"}
	ErrInvalidRequest   = &CodedError{Code: CodeValidation, Message: "invalid request"}
	ErrSelfChallenge    = &CodedError{Code: CodeValidation, Message: "cannot challenge yourself"}
	ErrUserBusy         = &CodedError{Code: CodeUserBusy, Message: "one of the users is already in a battle"}
	ErrConflict         = &CodedError{Code: CodeConflict, Message: "battle was modified concurrently, try again"}
	ErrCorruptBattle    = errors.New("battle violates invariants")
)

// ValidationError builds a VALIDATION_ERROR for a specific field
func ValidationError(format string, args ...any) error {
	return &CodedError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// BanError is returned when the acting user is banned. It carries the ban
// details so clients can show how long the ban lasts.
type BanError struct {
	Status BanStatus
}

func (e *BanError) Error() string {
	if e.Status.Permanent {
		return "account is permanently banned"
	}
	return "account is temporarily banned"
}

// CodeOf returns the protocol code for err. Errors without a code are
// infrastructure failures.
func CodeOf(err error) string {
	var banErr *BanError
	if errors.As(err, &banErr) {
		return CodeUserBanned
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeOperationFailed
}

// IsRecoverable reports whether err is a client-facing error rather than an
// infrastructure failure
func IsRecoverable(err error) bool {
	return CodeOf(err) != CodeOperationFailed
}
