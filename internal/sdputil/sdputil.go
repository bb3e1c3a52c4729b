// Package sdputil edits the ICE parts of session descriptions.
package sdputil

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	attrCandidate       = "candidate"
	attrEndOfCandidates = "end-of-candidates"
	attrMid             = "mid"
	attrUfrag           = "ice-ufrag"
	attrPwd             = "ice-pwd"
)

func parse(raw string) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(err, "sdputil: parse")
	}
	return &sd, nil
}

func marshal(sd *sdp.SessionDescription) (string, error) {
	b, err := sd.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "sdputil: marshal")
	}
	return string(b), nil
}

// StripCandidates removes every candidate and end-of-candidates attribute.
func StripCandidates(raw string) (string, error) {
	sd, err := parse(raw)
	if err != nil {
		return "", err
	}
	sd.Attributes = dropICE(sd.Attributes)
	for _, md := range sd.MediaDescriptions {
		md.Attributes = dropICE(md.Attributes)
	}
	return marshal(sd)
}

func dropICE(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Key == attrCandidate || a.Key == attrEndOfCandidates {
			continue
		}
		out = append(out, a)
	}
	return out
}

// CountCandidates counts candidate attributes across all media sections.
func CountCandidates(raw string) (int, error) {
	sd, err := parse(raw)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, md := range sd.MediaDescriptions {
		for _, a := range md.Attributes {
			if a.Key == attrCandidate {
				n++
			}
		}
	}
	return n, nil
}

// MergeCandidates adds candidates that the description does not carry yet.
// A candidate goes to the section matching its mid, then its line index, then the first section.
func MergeCandidates(raw string, cands []webrtc.ICECandidateInit) (string, error) {
	if len(cands) == 0 {
		return raw, nil
	}
	sd, err := parse(raw)
	if err != nil {
		return "", err
	}
	if len(sd.MediaDescriptions) == 0 {
		return "", errors.New("sdputil: no media sections")
	}

	for _, c := range cands {
		value := candidateValue(c.Candidate)
		if value == "" {
			continue
		}
		md := section(sd, c)
		if hasCandidate(md, value) {
			continue
		}
		md.Attributes = insertCandidate(md.Attributes, value)
	}
	return marshal(sd)
}

func section(sd *sdp.SessionDescription, c webrtc.ICECandidateInit) *sdp.MediaDescription {
	if c.SDPMid != nil {
		for _, md := range sd.MediaDescriptions {
			if mid, ok := md.Attribute(attrMid); ok && mid == *c.SDPMid {
				return md
			}
		}
	}
	if c.SDPMLineIndex != nil && int(*c.SDPMLineIndex) < len(sd.MediaDescriptions) {
		return sd.MediaDescriptions[*c.SDPMLineIndex]
	}
	return sd.MediaDescriptions[0]
}

func hasCandidate(md *sdp.MediaDescription, value string) bool {
	for _, a := range md.Attributes {
		if a.Key == attrCandidate && a.Value == value {
			return true
		}
	}
	return false
}

// candidates must precede end-of-candidates
func insertCandidate(attrs []sdp.Attribute, value string) []sdp.Attribute {
	attr := sdp.NewAttribute(attrCandidate, value)
	for i, a := range attrs {
		if a.Key == attrEndOfCandidates {
			return slices.Insert(attrs, i, attr)
		}
	}
	return append(attrs, attr)
}

func candidateValue(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "a=")
	return strings.TrimPrefix(s, "candidate:")
}

// Credentials holds what a trickle fragment needs to be matched to its session.
type Credentials struct {
	Ufrag string
	Pwd   string
	Mid   string
}

// ICECredentials returns the ufrag/pwd of the description and the mid of its first section.
func ICECredentials(raw string) (Credentials, error) {
	sd, err := parse(raw)
	if err != nil {
		return Credentials{}, err
	}
	var cr Credentials
	cr.Ufrag, _ = sd.Attribute(attrUfrag)
	cr.Pwd, _ = sd.Attribute(attrPwd)
	for _, md := range sd.MediaDescriptions {
		if cr.Ufrag == "" {
			cr.Ufrag, _ = md.Attribute(attrUfrag)
		}
		if cr.Pwd == "" {
			cr.Pwd, _ = md.Attribute(attrPwd)
		}
		if cr.Mid == "" {
			cr.Mid, _ = md.Attribute(attrMid)
		}
	}
	return cr, nil
}

// BuildFragment renders an application/trickle-ice-sdpfrag body.
func BuildFragment(cr Credentials, cands []webrtc.ICECandidateInit) string {
	var b strings.Builder
	if cr.Ufrag != "" {
		b.WriteString("a=ice-ufrag:" + cr.Ufrag + "\r\n")
	}
	if cr.Pwd != "" {
		b.WriteString("a=ice-pwd:" + cr.Pwd + "\r\n")
	}
	b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 0\r\n")
	mid := cr.Mid
	if mid == "" {
		mid = "0"
	}
	b.WriteString("a=mid:" + mid + "\r\n")
	for _, c := range cands {
		if v := candidateValue(c.Candidate); v != "" {
			b.WriteString("a=candidate:" + v + "\r\n")
		}
	}
	return b.String()
}

// ParseFragment extracts candidates from a trickle-ice-sdpfrag body.
// Fragments are not full descriptions, so they are read line by line.
func ParseFragment(body string) []webrtc.ICECandidateInit {
	var (
		out     []webrtc.ICECandidateInit
		mid     *string
		mline   = -1
		lineIdx *uint16
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "m="):
			mline++
			idx := uint16(mline)
			lineIdx = &idx
			mid = nil
		case strings.HasPrefix(line, "a=mid:"):
			v := strings.TrimPrefix(line, "a=mid:")
			mid = &v
		case strings.HasPrefix(line, "a=candidate:"):
			out = append(out, webrtc.ICECandidateInit{
				Candidate:     strings.TrimPrefix(line, "a="),
				SDPMid:        mid,
				SDPMLineIndex: lineIdx,
			})
		}
	}
	return out
}

// Summary is a short human readable description used in logs.
func Summary(raw string) string {
	n, err := CountCandidates(raw)
	if err != nil {
		return "unparsable"
	}
	return strconv.Itoa(len(raw)) + "B/" + strconv.Itoa(n) + " candidates"
}
