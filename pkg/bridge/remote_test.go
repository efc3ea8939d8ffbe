package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/token"
)

type fakeExec struct {
	calls   []string
	success bool
	text    string
}

func (f *fakeExec) Execute(cmd string, timeout time.Duration) (bool, string) {
	f.calls = append(f.calls, cmd)
	return f.success, f.text
}

type remoteFixture struct {
	remote        *Remote
	nodePub       string
	companionPub  string
	companionPriv string
	exec          *fakeExec
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()
	nodePub, nodePriv := generateKeyPair(t)
	companionPub, companionPriv := generateKeyPair(t)

	cfg := config.RemoteSerial{
		Enabled:            true,
		AllowedCompanions:  []string{companionPub},
		DisallowedCommands: []string{"get prv.key", "set prv.key", "erase", "password"},
		NonceTTL:           120,
		CommandTimeout:     1,
	}
	return &remoteFixture{
		remote:        newRemote(cfg, Identity{PublicKey: nodePub, PrivateKey: nodePriv}),
		nodePub:       nodePub,
		companionPub:  companionPub,
		companionPriv: companionPriv,
		exec:          &fakeExec{success: true, text: "v1.7.3"},
	}
}

func (f *remoteFixture) envelope(t *testing.T, command, nonce string, expiry time.Duration) string {
	t.Helper()
	tok, err := token.Create(f.companionPub, f.companionPriv, expiry, token.Claims{
		"command": command,
		"target":  f.nodePub,
		"nonce":   nonce,
	})
	require.NoError(t, err)
	return tok
}

func TestRemoteHappyPath(t *testing.T) {
	f := newRemoteFixture(t)

	resp := f.remote.Handle(f.envelope(t, "ver", "n-1", time.Minute), f.exec)
	require.NotNil(t, resp)
	assert.True(t, resp.success)
	assert.Equal(t, "v1.7.3", resp.text)
	assert.Equal(t, "ver", resp.command)
	assert.Equal(t, "n-1", resp.requestID)
	assert.Equal(t, []string{"ver"}, f.exec.calls)
	assert.True(t, f.remote.nonceSeen("n-1"))
}

func TestRemoteBlockedCommand(t *testing.T) {
	f := newRemoteFixture(t)

	resp := f.remote.Handle(f.envelope(t, "get prv.key", "n-1", time.Minute), f.exec)
	require.NotNil(t, resp)
	assert.False(t, resp.success)
	assert.Equal(t, "Command blocked: get prv.key", resp.text)
	assert.Empty(t, f.exec.calls, "blocked command must never reach the device")
	assert.True(t, f.remote.nonceSeen("n-1"), "nonce is burned even for blocked commands")
}

func TestRemoteBlockRuleIsCaseInsensitivePrefix(t *testing.T) {
	f := newRemoteFixture(t)

	resp := f.remote.Handle(f.envelope(t, "ERASE everything", "n-1", time.Minute), f.exec)
	require.NotNil(t, resp)
	assert.Equal(t, "Command blocked: erase", resp.text)
}

func TestRemoteReplaySilentlyDropped(t *testing.T) {
	f := newRemoteFixture(t)

	first := f.remote.Handle(f.envelope(t, "ver", "n-1", time.Minute), f.exec)
	require.NotNil(t, first)

	second := f.remote.Handle(f.envelope(t, "ver", "n-1", time.Minute), f.exec)
	assert.Nil(t, second, "replays produce no response at all")
	assert.Len(t, f.exec.calls, 1)
}

func TestRemoteUnauthorizedCompanion(t *testing.T) {
	f := newRemoteFixture(t)
	strangerPub, strangerPriv := generateKeyPair(t)

	tok, err := token.Create(strangerPub, strangerPriv, time.Minute, token.Claims{
		"command": "ver",
		"target":  f.nodePub,
		"nonce":   "n-1",
	})
	require.NoError(t, err)

	resp := f.remote.Handle(tok, f.exec)
	require.NotNil(t, resp)
	assert.False(t, resp.success)
	assert.Equal(t, "Unauthorized companion", resp.text)
	assert.Empty(t, f.exec.calls)
}

func TestRemoteExpiredEnvelope(t *testing.T) {
	f := newRemoteFixture(t)

	resp := f.remote.Handle(f.envelope(t, "ver", "n-1", -10*time.Minute), f.exec)
	require.NotNil(t, resp)
	assert.False(t, resp.success)
	assert.Equal(t, "Command expired", resp.text)
	assert.Empty(t, f.exec.calls)
}

func TestRemoteInvalidSignature(t *testing.T) {
	f := newRemoteFixture(t)

	// Keep the envelope's own signature but swap in a different payload, so
	// the claims decode fine while the signature no longer covers them.
	original := f.envelope(t, "ver", "n-1", time.Minute)
	other := f.envelope(t, "reboot", "n-2", time.Minute)
	origParts := strings.Split(original, ".")
	otherParts := strings.Split(other, ".")
	forged := origParts[0] + "." + otherParts[1] + "." + origParts[2]

	resp := f.remote.Handle(forged, f.exec)
	require.NotNil(t, resp)
	assert.False(t, resp.success)
	assert.Equal(t, "Invalid signature", resp.text)
	assert.Empty(t, f.exec.calls)
	assert.False(t, f.remote.nonceSeen("n-2"), "unverified envelopes must not burn nonces")
}

func TestRemoteDropsSilently(t *testing.T) {
	f := newRemoteFixture(t)

	t.Run("feature disabled", func(t *testing.T) {
		f.remote.cfg.Enabled = false
		defer func() { f.remote.cfg.Enabled = true }()
		assert.Nil(t, f.remote.Handle(f.envelope(t, "ver", "n-d1", time.Minute), f.exec))
	})

	t.Run("empty allowlist", func(t *testing.T) {
		saved := f.remote.cfg.AllowedCompanions
		f.remote.cfg.AllowedCompanions = nil
		defer func() { f.remote.cfg.AllowedCompanions = saved }()
		assert.Nil(t, f.remote.Handle(f.envelope(t, "ver", "n-d2", time.Minute), f.exec))
	})

	t.Run("wrong target", func(t *testing.T) {
		otherPub, _ := generateKeyPair(t)
		tok, err := token.Create(f.companionPub, f.companionPriv, time.Minute, token.Claims{
			"command": "ver",
			"target":  otherPub,
			"nonce":   "n-d3",
		})
		require.NoError(t, err)
		assert.Nil(t, f.remote.Handle(tok, f.exec))
	})

	t.Run("missing fields", func(t *testing.T) {
		tok, err := token.Create(f.companionPub, f.companionPriv, time.Minute, token.Claims{
			"command": "ver",
		})
		require.NoError(t, err)
		assert.Nil(t, f.remote.Handle(tok, f.exec))
	})

	t.Run("garbage envelope", func(t *testing.T) {
		assert.Nil(t, f.remote.Handle("not.a.token", f.exec))
	})

	assert.Empty(t, f.exec.calls)
}

func TestRemoteNoLink(t *testing.T) {
	f := newRemoteFixture(t)

	resp := f.remote.Handle(f.envelope(t, "ver", "n-1", time.Minute), nil)
	require.NotNil(t, resp)
	assert.False(t, resp.success)
	assert.Equal(t, "Serial port not connected", resp.text)
}

func TestRemoteNoncePruning(t *testing.T) {
	f := newRemoteFixture(t)
	now := time.Now()
	f.remote.recordNonce("old", now.Add(-3*time.Minute))
	f.remote.recordNonce("fresh", now.Add(-30*time.Second))

	f.remote.pruneNonces(now)

	assert.False(t, f.remote.nonceSeen("old"))
	assert.True(t, f.remote.nonceSeen("fresh"))
}

func TestRemoteSignedResponse(t *testing.T) {
	f := newRemoteFixture(t)

	signed, err := f.remote.sign(&response{
		command:   "ver",
		requestID: "n-1",
		success:   true,
		text:      "v1.7.3",
	})
	require.NoError(t, err)

	claims, err := token.Verify(signed, f.nodePub)
	require.NoError(t, err)
	assert.Equal(t, "ver", claims.String("command"))
	assert.Equal(t, "n-1", claims.String("request_id"))
	assert.True(t, claims.Bool("success"))
	assert.Equal(t, "v1.7.3", claims.String("response"))

	exp := claims.ExpiresAt()
	now := time.Now().Unix()
	assert.GreaterOrEqual(t, exp, now+30)
	assert.LessOrEqual(t, exp, now+90)
}

func TestRemoteSignWithoutIdentity(t *testing.T) {
	f := newRemoteFixture(t)
	f.remote.identity.PrivateKey = ""

	_, err := f.remote.sign(&response{command: "ver", requestID: "n-1"})
	assert.Error(t, err)
}
