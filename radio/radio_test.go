package radio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malivvan/bthps3/radio"
	"github.com/malivvan/bthps3/radio/radiotest"
)

func never(time.Duration) <-chan time.Time { return nil }

func expired(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestRestartAndAwaitArrival(t *testing.T) {
	f := &radiotest.Fake{Present: true}
	symlink, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	require.NoError(t, err)
	assert.Equal(t, radiotest.DefaultSymlink, symlink)
	assert.Equal(t, []string{"restart"}, f.Calls)
	assert.Equal(t, 1, f.Unsubscribed)
	assert.Zero(t, f.Listeners())
}

func TestRestartAndAwaitRepeatedArrival(t *testing.T) {
	f := &radiotest.Fake{Present: true, OnRestart: func(int) (int, error) { return 3, nil }}
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Unsubscribed)
}

func TestRestartAndAwaitArrivedButUnavailable(t *testing.T) {
	f := &radiotest.Fake{Present: false}
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	assert.NoError(t, err)
}

func TestRestartAndAwaitTimeout(t *testing.T) {
	f := &radiotest.Fake{Present: true, OnRestart: func(int) (int, error) { return 0, nil }}
	var asked time.Duration
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{
		After: func(d time.Duration) <-chan time.Time {
			asked = d
			return expired(d)
		},
	})
	assert.ErrorIs(t, err, radio.ErrRestartTimeout)
	assert.Equal(t, radio.DefaultTimeout, asked)
	assert.Equal(t, 1, f.Unsubscribed)
}

func TestRestartAndAwaitCustomTimeout(t *testing.T) {
	f := &radiotest.Fake{OnRestart: func(int) (int, error) { return 0, nil }}
	var asked time.Duration
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{
		Timeout: 5 * time.Millisecond,
		After: func(d time.Duration) <-chan time.Time {
			asked = d
			return time.After(d)
		},
	})
	assert.ErrorIs(t, err, radio.ErrRestartTimeout)
	assert.Equal(t, 5*time.Millisecond, asked)
}

func TestRestartAndAwaitRestartFails(t *testing.T) {
	boom := errors.New("SetupDiCallClassInstaller: access denied")
	f := &radiotest.Fake{OnRestart: func(int) (int, error) { return 0, boom }}
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.Unsubscribed)
}

func TestRestartAndAwaitSubscribeFails(t *testing.T) {
	boom := errors.New("configret 0x1f")
	f := &radiotest.Fake{SubscribeErr: boom}
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.Calls, "radio must not restart without a listener")
}

func TestRestartAndAwaitUnsubscribeFailureIsIgnored(t *testing.T) {
	f := &radiotest.Fake{Present: true, UnsubscribeErr: errors.New("configret 0x3")}
	_, err := radio.RestartAndAwait(context.Background(), f, radio.AwaitOptions{After: never})
	assert.NoError(t, err)
}

func TestRestartAndAwaitCanceled(t *testing.T) {
	f := &radiotest.Fake{OnRestart: func(int) (int, error) { return 0, nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := radio.RestartAndAwait(ctx, f, radio.AwaitOptions{After: never})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.Unsubscribed)
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, radio.Available, radio.StateOf(&radiotest.Fake{Present: true}))
	assert.Equal(t, radio.Unavailable, radio.StateOf(&radiotest.Fake{}))
	assert.Equal(t, "available", radio.Available.String())
	assert.Equal(t, "unavailable", radio.Unavailable.String())
}
