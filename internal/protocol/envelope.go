// Package protocol is the relay wire format shared by the hub and the relay client.
package protocol

import (
	"bytes"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/dkeye/CamSignal/internal/domain"
)

type Type string

const (
	TypeIdentify           Type = "identify"
	TypeRegisterTarget     Type = "register-target"
	TypeUnregisterTarget   Type = "unregister-target"
	TypeTargetDisconnected Type = "target-disconnected"
	TypeCallRequest        Type = "call-request"
	TypeHangUp             Type = "hang-up"
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice-candidate"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeError              Type = "error"
	TypeICEServers         Type = "ice-servers"
)

// older cameras speak in terms of cameras
var legacyTypes = map[Type]Type{
	"register-camera":     TypeRegisterTarget,
	"unregister-camera":   TypeUnregisterTarget,
	"camera-disconnected": TypeTargetDisconnected,
}

var ErrMissingType = errors.New("envelope without type")

// Envelope is one relay message. Unused fields are omitted on the wire.
type Envelope struct {
	Type       Type                       `json:"type"`
	TargetID   domain.TargetID            `json:"targetId,omitempty"`
	CameraID   domain.TargetID            `json:"cameraId,omitempty"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Timestamp  int64                      `json:"timestamp,omitempty"`
	ClientType string                     `json:"clientType,omitempty"`
	FromClient domain.ClientID            `json:"fromClient,omitempty"`
	ToClient   domain.ClientID            `json:"toClient,omitempty"`
	Message    string                     `json:"message,omitempty"`
	IceServers []ICEServer                `json:"iceServers,omitempty"`
}

// Target returns targetId, falling back to the legacy cameraId.
func (e Envelope) Target() domain.TargetID {
	if e.TargetID != "" {
		return e.TargetID
	}
	return e.CameraID
}

// ICEServer accepts "urls" both as a single string and as a list.
type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type URLList []string

func (u *URLList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = URLList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*u = list
	return nil
}

func ToWebRTC(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		ws := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			ws.Credential = s.Credential
		}
		out = append(out, ws)
	}
	return out
}

func FromURLs(urls ...string) []ICEServer {
	out := make([]ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, ICEServer{URLs: URLList{u}})
	}
	return out
}

// Decode parses one frame and folds the legacy names into the current ones.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	if t, ok := legacyTypes[env.Type]; ok {
		env.Type = t
	}
	env.TargetID = env.Target()
	env.CameraID = ""
	return env, nil
}

// Encode writes the frame; cameraId mirrors targetId for older peers.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if env.TargetID != "" {
		env.CameraID = env.TargetID
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}
