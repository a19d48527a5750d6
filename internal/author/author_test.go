package author

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureAndVerify_RoundTrip(t *testing.T) {
	p, err := NewProvider("topsecret", false)
	require.NoError(t, err)

	s, err := p.Secure(UserContext{UserID: "u1", Username: "alice", Roles: []string{"developer"}, Tenant: "acme"})
	require.NoError(t, err)
	assert.Contains(t, s, "alice (u1) [verified]")

	reason, err := Verify(s, "topsecret", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonOK, reason)
}

func TestVerify_TamperDetection(t *testing.T) {
	p, err := NewProvider("topsecret", false)
	require.NoError(t, err)
	s, err := p.Secure(UserContext{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	tampered := strings.Replace(s, "alice", "alicx", 1)
	reason, err := Verify(tampered, "topsecret", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, ReasonOK, reason)
}

func TestVerify_NoSecretDegradesToUnverified(t *testing.T) {
	p, err := NewProvider("", true)
	require.NoError(t, err)
	s, err := p.Secure(UserContext{UserID: "u1", Username: "alice"})
	require.NoError(t, err)
	assert.Contains(t, s, "roles:dev")

	reason, err := Verify(s, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonUnverified, reason)
}

func TestVerify_Stale(t *testing.T) {
	p, err := NewProvider("topsecret", false)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	s, err := p.Secure(UserContext{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	reason, err := Verify(s, "topsecret", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonStale, reason)
}

func TestDelegatedAndEffectiveUser(t *testing.T) {
	p, err := NewProvider("topsecret", false)
	require.NoError(t, err)
	s, err := p.Delegated(UserContext{UserID: "u1", Username: "alice"}, "u2", "on-call handoff")
	require.NoError(t, err)

	eff, err := EffectiveUser(s)
	require.NoError(t, err)
	assert.Equal(t, "u2", eff)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, parsed.Delegated)
	assert.Equal(t, "on-call handoff", parsed.Reason)
}

func TestParse_RejectsMalformed(t *testing.T) {
	_, err := Parse("not an author string")
	require.Error(t, err)
}

func TestNewProvider_RequiresSecretOutsideDevelopment(t *testing.T) {
	_, err := NewProvider("", false)
	require.Error(t, err)
}
