package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyedPayload_RoundTrips(t *testing.T) {
	key, body, err := splitIdempotencyKeyedPayload(idempotencyKeyedPayload("evt_001", []byte(`{"a":1}`)))
	require.NoError(t, err)
	require.Equal(t, "evt_001", key)
	require.JSONEq(t, `{"a":1}`, string(body))
}

func TestSplitIdempotencyKeyedPayload_RejectsMalformedPayload(t *testing.T) {
	_, _, err := splitIdempotencyKeyedPayload("no-separator-here")
	require.Error(t, err)
}

func newTestBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		seen:     make(map[string]time.Time),
		seenTTL:  time.Hour,
	}
}

func TestAlreadyDelivered_DedupsWithinWindow(t *testing.T) {
	b := newTestBus()
	require.False(t, b.alreadyDelivered("evt_001"))
	require.True(t, b.alreadyDelivered("evt_001"), "second delivery of the same key must dedup")
}

func TestAlreadyDelivered_ExpiresOutsideWindow(t *testing.T) {
	b := newTestBus()
	b.seenTTL = time.Millisecond
	require.False(t, b.alreadyDelivered("evt_001"))
	time.Sleep(5 * time.Millisecond)
	require.False(t, b.alreadyDelivered("evt_001"), "entries past the TTL must not dedup")
}

func TestChannelFor_IsIdentityForRealisticSubjects(t *testing.T) {
	require.Equal(t, "oms.object_type.created.main", channelFor("oms.object_type.created.main"))
}
