package errors

var (
	// Relay
	ErrNotFriends      = Forbidden("users are not friends")
	ErrSelfMessage     = InvalidArg("cannot message yourself")
	ErrNotSender       = Forbidden("only the original sender may delete for both")
	ErrMessageNotFound = NotFound("message not found")

	// Envelope
	ErrUndecryptable = New(CodeDecryption, "payload failed authentication")
	ErrBadKeySize    = InvalidArg("key must be 32 bytes")

	// Signaling
	ErrCalleeBusy    = New(CodeBusy, "callee is in another call")
	ErrNoActiveCall  = FailedPrecondition("no active call for this identity")
	ErrAlreadyInCall = FailedPrecondition("caller already has an active call")

	// Self-destruct / ghost
	ErrAlreadyViewed      = FailedPrecondition("message view already recorded")
	ErrGhostCodeInvalid   = InvalidArg("invalid or expired join code")
	ErrGhostSessionClosed = FailedPrecondition("ghost session is not active")
	ErrGhostNotMember     = Forbidden("identity is not a session participant")
)
