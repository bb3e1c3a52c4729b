package rtc

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/sdputil"
)

func TestOfferGathersAndCompletes(t *testing.T) {
	f, err := NewFactory(Config{}, clock.New())
	require.NoError(t, err)

	m, err := f.NewMedia(core.SessionRef{ID: "s1", Target: "cam1"}, nil)
	require.NoError(t, err)
	defer m.Close()

	done := make(chan struct{})
	m.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			close(done)
		}
	})

	offer, err := m.CreateOffer()
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.Contains(t, offer.SDP, "m=video")
	require.Contains(t, offer.SDP, "a=recvonly")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("gathering did not complete")
	}
	local := m.LocalDescription()
	require.NotNil(t, local)
	cr, err := sdputil.ICECredentials(local.SDP)
	require.NoError(t, err)
	require.NotEmpty(t, cr.Ufrag)

	_, err = m.Counters()
	require.Error(t, err)
}

func TestConfigServers(t *testing.T) {
	require.Nil(t, Config{}.Servers())
	s := DefaultConfig().Servers()
	require.Len(t, s, 1)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, s[0].URLs)
}
