package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated rejects a submission made without a signed-in user.
	ErrUnauthenticated = errors.New("sign in to send messages")
	// ErrBusy rejects a submission while a response is still pending.
	ErrBusy = errors.New("a response is already in progress")
	// ErrNotConfigured marks a completion backend that cannot be used at all.
	ErrNotConfigured = errors.New("completion service not configured")
)

// User-facing texts.
const (
	FallbackReply       = "Sorry, I'm having trouble responding right now. Please try again later."
	NotConfiguredReply  = "The AI service is not properly configured. Please check your API key setup."
	PersistenceFailed   = "Failed to send message. Please try again."
	SubscriptionFailed  = "Failed to load messages. Please refresh the page."
	SignInCancelled     = "Sign-in was cancelled. Please try again."
	SignInBlocked       = "Popup was blocked by your browser. Please allow popups for this site."
	SignInFailed        = "Failed to sign in. Please try again."
	SignOutFailed       = "Failed to sign out. Please try again."
	UnauthenticatedText = "Please sign in to send messages"
)

// ErrorKind classifies errors recorded on a session.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindBusy            ErrorKind = "busy"
	KindConfiguration   ErrorKind = "configuration"
	KindCompletion      ErrorKind = "completion"
	KindPersistence     ErrorKind = "persistence"
	KindSubscription    ErrorKind = "subscription"
	KindAuth            ErrorKind = "auth"
	KindSignOut         ErrorKind = "sign_out"
)

// ErrorInfo is the last non-fatal error a session observed.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ErrorInfo) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ErrorInfo) Unwrap() error { return e.Err }

// AuthReason categorizes sign-in failures.
type AuthReason string

const (
	AuthCancelled AuthReason = "cancelled"
	AuthBlocked   AuthReason = "blocked"
	AuthOther     AuthReason = "other"
)

// AuthError is returned by identity providers.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sign-in %s", e.Reason)
	}
	return fmt.Sprintf("sign-in %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UserMessage maps the failure to the text shown to the user.
func (e *AuthError) UserMessage() string {
	switch e.Reason {
	case AuthCancelled:
		return SignInCancelled
	case AuthBlocked:
		return SignInBlocked
	default:
		return SignInFailed
	}
}

// ReplyForCompletionError picks the bot text that replaces a failed completion.
func ReplyForCompletionError(err error) (string, ErrorKind) {
	if errors.Is(err, ErrNotConfigured) {
		return NotConfiguredReply, KindConfiguration
	}
	return FallbackReply, KindCompletion
}
