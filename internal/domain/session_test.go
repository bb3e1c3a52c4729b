package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]SessionState]bool{
		{StateIdle, StateNegotiating}:           true,
		{StateIdle, StateClosed}:                true,
		{StateNegotiating, StateAwaitingRemote}: true,
		{StateNegotiating, StateClosed}:         true,
		{StateAwaitingRemote, StateConnected}:   true,
		{StateAwaitingRemote, StateClosed}:      true,
		{StateConnected, StateDegraded}:         true,
		{StateConnected, StateClosed}:           true,
		{StateDegraded, StateConnected}:         true,
		{StateDegraded, StateClosed}:            true,
	}

	all := []SessionState{StateIdle, StateNegotiating, StateAwaitingRemote, StateConnected, StateDegraded, StateClosed}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			require.Equal(t, legal[[2]SessionState{from, to}], got, "%s -> %s", from, to)
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	require.True(t, StateClosed.Terminal())
	require.False(t, StateDegraded.Terminal())
	require.True(t, StateDegraded.Live())
	require.False(t, StateAwaitingRemote.Live())
}

func TestSessionStateText(t *testing.T) {
	b, err := StateAwaitingRemote.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "awaiting-remote", string(b))

	var s SessionState
	require.NoError(t, s.UnmarshalText([]byte("degraded")))
	require.Equal(t, StateDegraded, s)
	require.Error(t, s.UnmarshalText([]byte("bogus")))
	require.Equal(t, "unknown", SessionState(42).String())
}

func TestParsers(t *testing.T) {
	k, err := ParseTransportKind("WHIP")
	require.NoError(t, err)
	require.Equal(t, TransportPush, k)

	_, err = ParseTransportKind("carrier-pigeon")
	require.True(t, errors.Is(err, ErrUnknownTransport))

	p, err := ParseIcePolicy(" Batched ")
	require.NoError(t, err)
	require.Equal(t, IceBatched, p)

	ct, err := ParseClientType("android")
	require.NoError(t, err)
	require.Equal(t, ClientCamera, ct)

	_, err = ParseTargetID("  ")
	require.ErrorIs(t, err, ErrTargetIDEmpty)
}
