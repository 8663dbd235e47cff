package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrelay/dialogworker/ports"
)

type fakeKV struct {
	values map[string]string
	found  map[string]bool
	err    error
}

func newFakeKV() *fakeKV { return &fakeKV{values: map[string]string{}, found: map[string]bool{}} }

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	return f.values[key], f.found[key], nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.values[key] = value
	f.found[key] = true
	return nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	delete(f.values, key)
	delete(f.found, key)
	return nil
}

type fakeRateLimit struct {
	result ports.RateLimitResult
	err    error
	calls  int
}

func (f *fakeRateLimit) CheckAndIncrement(ctx context.Context, userID, scope string) (ports.RateLimitResult, error) {
	f.calls++
	return f.result, f.err
}

type testErr string

func (e testErr) Error() string { return string(e) }

func TestToggle_UnknownFlagDefaultsToEnabled(t *testing.T) {
	kv := newFakeKV()
	underlying := &fakeRateLimit{result: ports.RateLimitLimit}
	toggle := New(underlying, kv, time.Minute, LocalBucketConfig{}, nil)

	result, err := toggle.CheckAndIncrement(context.Background(), "u1", "message")
	require.NoError(t, err)
	assert.Equal(t, ports.RateLimitLimit, result)
	assert.Equal(t, 1, underlying.calls)
}

func TestToggle_DisabledValueBypassesUnderlying(t *testing.T) {
	for _, v := range []string{"0", "false", "off", "no", "disabled", "Off", "DISABLED"} {
		kv := newFakeKV()
		kv.values[limitsEnabledKey] = v
		kv.found[limitsEnabledKey] = true
		underlying := &fakeRateLimit{result: ports.RateLimitLimit}
		toggle := New(underlying, kv, time.Minute, LocalBucketConfig{}, nil)

		result, err := toggle.CheckAndIncrement(context.Background(), "u1", "message")
		require.NoError(t, err)
		assert.Equal(t, ports.RateLimitOK, result, "value %q should disable the gate", v)
		assert.Equal(t, 0, underlying.calls, "value %q should bypass underlying", v)
	}
}

func TestToggle_KVReadFailureDisablesGate(t *testing.T) {
	kv := newFakeKV()
	kv.err = testErr("kv unreachable")
	underlying := &fakeRateLimit{result: ports.RateLimitLimit}
	toggle := New(underlying, kv, time.Minute, LocalBucketConfig{}, nil)

	result, err := toggle.CheckAndIncrement(context.Background(), "u1", "message")
	require.NoError(t, err)
	assert.Equal(t, ports.RateLimitOK, result)
	assert.Equal(t, 0, underlying.calls)
}

func TestToggle_FlagValueIsCached(t *testing.T) {
	kv := newFakeKV()
	kv.values[limitsEnabledKey] = "false"
	kv.found[limitsEnabledKey] = true
	underlying := &fakeRateLimit{result: ports.RateLimitOK}
	toggle := New(underlying, kv, time.Hour, LocalBucketConfig{}, nil)

	_, _ = toggle.CheckAndIncrement(context.Background(), "u1", "message")
	kv.values[limitsEnabledKey] = "true"

	result, err := toggle.CheckAndIncrement(context.Background(), "u2", "message")
	require.NoError(t, err)
	assert.Equal(t, ports.RateLimitOK, result)
	assert.Equal(t, 0, underlying.calls, "cached disabled value should still bypass underlying")
}

func TestToggle_UnderlyingErrorFailsOpen(t *testing.T) {
	kv := newFakeKV()
	underlying := &fakeRateLimit{err: testErr("backend down")}
	toggle := New(underlying, kv, time.Minute, LocalBucketConfig{}, nil)

	result, err := toggle.CheckAndIncrement(context.Background(), "u1", "message")
	require.NoError(t, err)
	assert.Equal(t, ports.RateLimitOK, result)
}

func TestAllowLocal_EnforcesPerUserCeiling(t *testing.T) {
	toggle := New(&fakeRateLimit{}, newFakeKV(), time.Minute, LocalBucketConfig{RatePerSecond: 1, Burst: 2}, nil)

	assert.True(t, toggle.AllowLocal("u1"))
	assert.True(t, toggle.AllowLocal("u1"))
	assert.False(t, toggle.AllowLocal("u1"))
}
