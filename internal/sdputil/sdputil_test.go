package sdputil

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func offer(lines ...string) string {
	base := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
		"a=ice-ufrag:Xq2b",
		"a=ice-pwd:0k3ZgYrFqP1nY8cUj2vWmR",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=recvonly",
		"a=rtpmap:96 VP8/90000",
	}
	return strings.Join(append(base, lines...), "\r\n") + "\r\n"
}

const (
	host  = "candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host"
	srflx = "candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx raddr 192.168.1.2 rport 50000"
	relay = "candidate:3 1 udp 16777215 198.51.100.3 3478 typ relay raddr 203.0.113.7 rport 50001"
)

func TestStripCandidates(t *testing.T) {
	raw := offer("a="+host, "a="+srflx, "a=end-of-candidates")

	out, err := StripCandidates(raw)
	require.NoError(t, err)
	require.NotContains(t, out, "a=candidate")
	require.NotContains(t, out, "end-of-candidates")
	require.Contains(t, out, "a=rtpmap:96 VP8/90000")
}

func TestMergeCandidatesDedupes(t *testing.T) {
	raw := offer("a="+host, "a=end-of-candidates")
	mid := "0"

	out, err := MergeCandidates(raw, []webrtc.ICECandidateInit{
		{Candidate: host, SDPMid: &mid},
		{Candidate: srflx, SDPMid: &mid},
		{Candidate: relay},
	})
	require.NoError(t, err)

	n, err := CountCandidates(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Less(t, strings.Index(out, "typ relay"), strings.Index(out, "a=end-of-candidates"))
}

func TestMergeNothingKeepsDescription(t *testing.T) {
	raw := offer()
	out, err := MergeCandidates(raw, nil)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestMergeRejectsGarbage(t *testing.T) {
	_, err := MergeCandidates("not sdp", []webrtc.ICECandidateInit{{Candidate: host}})
	require.Error(t, err)
}

func TestFragmentRoundTrip(t *testing.T) {
	cr, err := ICECredentials(offer())
	require.NoError(t, err)
	require.Equal(t, Credentials{Ufrag: "Xq2b", Pwd: "0k3ZgYrFqP1nY8cUj2vWmR", Mid: "0"}, cr)

	frag := BuildFragment(cr, []webrtc.ICECandidateInit{{Candidate: host}, {Candidate: srflx}})
	require.Contains(t, frag, "a=ice-ufrag:Xq2b\r\n")

	got := ParseFragment(frag)
	require.Len(t, got, 2)
	require.Equal(t, host, got[0].Candidate)
	require.NotNil(t, got[1].SDPMid)
	require.Equal(t, "0", *got[1].SDPMid)
	require.EqualValues(t, 0, *got[1].SDPMLineIndex)
}
