package roomchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectPolicy_Defaults(t *testing.T) {
	p := ReconnectPolicy{MaxInterval: time.Millisecond, InitialInterval: time.Second, MaxAttempts: -3}.withDefaults()
	require.Equal(t, time.Second, p.InitialInterval)
	require.Equal(t, time.Second, p.MaxInterval)
	require.Equal(t, 0, p.MaxAttempts)
}

func TestRetrier_StopsAfterMaxAttempts(t *testing.T) {
	r := ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, MaxAttempts: 3}.newRetrier()

	for i := 0; i < 3; i++ {
		d, ok := r.next()
		require.True(t, ok)
		// jitter may push a delay up to 1.5x the cap
		require.LessOrEqual(t, d, 6*time.Millisecond)
	}
	_, ok := r.next()
	require.False(t, ok)

	r.reset()
	_, ok = r.next()
	require.True(t, ok)
}

func TestRetrier_UnboundedWhenMaxAttemptsZero(t *testing.T) {
	r := ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}.newRetrier()
	for i := 0; i < 100; i++ {
		_, ok := r.next()
		require.True(t, ok)
	}
}

func TestRetrier_SpacesDials(t *testing.T) {
	r := ReconnectPolicy{MinDialInterval: 40 * time.Millisecond}.newRetrier()
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, r.waitDial(ctx))
	require.NoError(t, r.waitDial(ctx))
	require.NoError(t, r.waitDial(ctx))
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestRetrier_WaitDialHonorsContext(t *testing.T) {
	r := ReconnectPolicy{MinDialInterval: time.Hour}.newRetrier()
	require.NoError(t, r.waitDial(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, r.waitDial(ctx))
}
