package message

import (
	"errors"
	"fmt"
)

type ErrorKind uint8

const (
	ErrorKindTransient ErrorKind = iota
	ErrorKindIdentityRotation
	ErrorKindUnregisteredRecipient
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindIdentityRotation:
		return "identity-rotation"
	case ErrorKindUnregisteredRecipient:
		return "unregistered-recipient"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// SendError is the persisted form of a per-recipient send failure.
type SendError struct {
	Kind        ErrorKind `json:"kind" yaml:"kind"`
	RecipientID string    `json:"recipientId,omitempty" yaml:"recipientId,omitempty"`
	Retryable   bool      `json:"retryable" yaml:"retryable"`
	Message     string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Network or session failure for one recipient; retried by the job queue or a manual retry.
type TransientSendError struct {
	RecipientID string
	Err         error
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("transient send error for %s: %v", e.RecipientID, e.Err)
}

func (e *TransientSendError) Unwrap() error { return e.Err }

// The recipient's identity key changed; a background key rotation is triggered instead of failing the send.
type IdentityRotationError struct {
	RecipientID string
}

func (e *IdentityRotationError) Error() string {
	return fmt.Sprintf("identity rotated for %s", e.RecipientID)
}

type UnregisteredRecipientError struct {
	RecipientID string
}

func (e *UnregisteredRecipientError) Error() string {
	return fmt.Sprintf("recipient %s is not registered", e.RecipientID)
}

type DropReason string

const (
	DropDuplicate            DropReason = "duplicate"
	DropUnmatchedSyncUpdate  DropReason = "sync update without original"
	DropNotGroupMember       DropReason = "not a group member"
	DropSenderNotGroupMember DropReason = "sender not a group member"
	DropAnnouncementsOnly    DropReason = "announcements only group and sender is not an admin"
	DropStoryNotFound        DropReason = "story not found"
	DropStoryRepliesDisabled DropReason = "story does not allow replies"
	DropEmpty                DropReason = "empty message"
)

// ValidationDropError marks an inbound payload that is dropped and acknowledged so it is not redelivered.
type ValidationDropError struct {
	Reason DropReason
}

func (e *ValidationDropError) Error() string {
	return fmt.Sprintf("dropped: %s", e.Reason)
}

// DataIntegrityWarning covers references that could not be resolved yet. It is logged and retried later.
type DataIntegrityWarning struct {
	What string
}

func (e *DataIntegrityWarning) Error() string {
	return fmt.Sprintf("data integrity warning: %s", e.What)
}

func Drop(reason DropReason) error {
	return &ValidationDropError{Reason: reason}
}

func IsDrop(err error) (DropReason, bool) {
	var d *ValidationDropError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// ToSendError classifies a send failure. ok is false for errors outside the send taxonomy.
func ToSendError(err error) (se *SendError, ok bool) {
	var transient *TransientSendError
	var rotation *IdentityRotationError
	var unregistered *UnregisteredRecipientError
	switch {
	case errors.As(err, &transient):
		return &SendError{Kind: ErrorKindTransient, RecipientID: transient.RecipientID, Retryable: true, Message: err.Error()}, true
	case errors.As(err, &rotation):
		return &SendError{Kind: ErrorKindIdentityRotation, RecipientID: rotation.RecipientID, Retryable: true, Message: err.Error()}, true
	case errors.As(err, &unregistered):
		return &SendError{Kind: ErrorKindUnregisteredRecipient, RecipientID: unregistered.RecipientID, Retryable: false, Message: err.Error()}, true
	default:
		return nil, false
	}
}
