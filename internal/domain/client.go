// Package domain contains entities without logic, just meta-data
package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const MaxClientIDLen = 64

var (
	ErrClientIDTooLong     = errors.New("client id too long")
	ErrUnknownClientType   = errors.New("unknown client type")
	ErrTargetIDEmpty       = errors.New("target id empty")
	ErrTargetIDTooLong     = errors.New("target id too long")
	ErrUnknownTransport    = errors.New("unknown transport kind")
	ErrUnknownIcePolicy    = errors.New("unknown ice policy")
	errUnknownStateLiteral = errors.New("unknown session state")
)

// ClientID identifies one relay hub connection.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// ClientType is the role a relay hub connection identified itself with.
type ClientType string

const (
	ClientUnknown ClientType = ""
	ClientViewer  ClientType = "viewer"
	ClientCamera  ClientType = "camera"
)

// ParseClientType accepts the legacy "web"/"android" names as well.
func ParseClientType(s string) (ClientType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer", "web", "browser":
		return ClientViewer, nil
	case "camera", "android", "producer":
		return ClientCamera, nil
	default:
		return ClientUnknown, errors.Wrap(ErrUnknownClientType, s)
	}
}

// TargetID names a camera. Sessions are keyed by it.
type TargetID string

const MaxTargetIDLen = 128

func ParseTargetID(s string) (TargetID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return "", ErrTargetIDEmpty
	}
	if len(s) > MaxTargetIDLen {
		return "", ErrTargetIDTooLong
	}
	return TargetID(s), nil
}

// SessionID is unique per negotiation, a new one is minted for every retry.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
