package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vklimov/forgebuild/pkg/clock"
)

func TestTotalOrder(t *testing.T) {
	missing := clock.Missing()
	early := clock.FromTime(time.Unix(100, 0))
	late := clock.FromTime(time.Unix(200, 0))
	errTs := clock.Err()

	require.True(t, missing.Before(early))
	require.True(t, early.Before(late))
	require.True(t, late.Before(errTs))
	require.True(t, missing.Before(errTs))
	require.False(t, early.After(late))
	require.True(t, early.Equal(clock.FromTime(time.Unix(100, 0))))
}

func TestRoundTripUnixNano(t *testing.T) {
	ts := clock.FromTime(time.Unix(12345, 6789))
	got := clock.FromUnixNano(ts.UnixNano())
	require.True(t, ts.Equal(got))

	require.True(t, clock.FromUnixNano(0).IsMissing())
	require.True(t, clock.FromUnixNano(-1).IsMissing())
}
