package domain

import "github.com/pkg/errors"

// Session and transport failures. Wrap with errors.Wrap, test with errors.Is.
var (
	ErrAlreadyNegotiating        = errors.New("target already has an active session")
	ErrTransportUnavailable      = errors.New("transport unavailable")
	ErrAnswerTimeout             = errors.New("answer not produced in time")
	ErrSessionClosed             = errors.New("session closed")
	ErrRemoteDescriptionRejected = errors.New("remote description rejected")
	ErrRelayUnreachable          = errors.New("relay unreachable")
	ErrSessionNotFound           = errors.New("session not found")
)
