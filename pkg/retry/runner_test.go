package retry

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestCommand() (success []string, failure []string) {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/c", "echo", "test"}, []string{"cmd", "/c", "exit", "1"}
	}
	return []string{"echo", "test"}, []string{"false"}
}

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:   attempts,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRunnerSuccessFirstAttempt(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	success, _ := getTestCommand()
	require.NoError(t, runner.Run(context.Background(), success[0], success[1:]...))
}

func TestRunnerRetryOnFailure(t *testing.T) {
	runner := NewRunner(fastConfig(3))

	start := time.Now()
	_, failure := getTestCommand()
	err := runner.Run(context.Background(), failure[0], failure[1:]...)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	// first retry + second retry
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond+20*time.Millisecond)
}

func TestRunnerOutputSuccess(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	success, _ := getTestCommand()
	output, err := runner.Output(context.Background(), success[0], success[1:]...)
	require.NoError(t, err)
	// Windows and Unix differ in newline format
	assert.Equal(t, "test", strings.TrimSpace(string(output)))
}

func TestRunnerContextCancellation(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, failure := getTestCommand()
	err := runner.Run(ctx, failure[0], failure[1:]...)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestDoStopsOnSuccess(t *testing.T) {
	runner := NewRunner(fastConfig(5))

	calls := 0
	err := runner.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("modem busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWrapsLastError(t *testing.T) {
	runner := NewRunner(fastConfig(2))
	busy := errors.New("modem busy")

	calls := 0
	err := runner.Do(context.Background(), func(context.Context) error {
		calls++
		return busy
	})
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 2, calls)
}

func TestOutputUsesInjectedExec(t *testing.T) {
	runner := NewRunner(fastConfig(2))
	var got []string
	runner.exec = func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		return []byte(`{"ok":true}`), nil
	}

	out, err := runner.Output(context.Background(), "ubus", "call", "gps", "info")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(out))
	assert.Equal(t, []string{"ubus", "call", "gps", "info"}, got)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
}

func TestCalculateDelayIsCapped(t *testing.T) {
	runner := NewRunner(fastConfig(10))
	assert.Equal(t, 10*time.Millisecond, runner.calculateDelay(1))
	assert.Equal(t, 40*time.Millisecond, runner.calculateDelay(3))
	assert.Equal(t, 100*time.Millisecond, runner.calculateDelay(9))
}
