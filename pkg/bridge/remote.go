package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/token"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

// responseExpiry bounds how long a signed command response stays valid.
const responseExpiry = time.Minute

// executor runs one raw command against the device link.
type executor interface {
	Execute(command string, timeout time.Duration) (bool, string)
}

// Remote implements the signed remote-command pipeline: allowlist and
// signature checks, replay protection, command filtering, execution, and the
// signed response.
type Remote struct {
	cfg      config.RemoteSerial
	identity Identity
	now      func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func newRemote(cfg config.RemoteSerial, identity Identity) *Remote {
	return &Remote{
		cfg:      cfg,
		identity: identity,
		now:      time.Now,
		nonces:   map[string]time.Time{},
	}
}

// response is the outcome of handling one command envelope. Silent drops
// return a nil response.
type response struct {
	command   string
	requestID string
	success   bool
	text      string
}

// Handle processes one command envelope and returns the response to sign and
// publish, or nil when the envelope is dropped without a reply. Dropping
// silently is deliberate for anything where a reply would leak information
// to an unvetted sender: only allowlisted companions with a valid target get
// error replies.
func (r *Remote) Handle(envelope string, link executor) *response {
	log := util.WithComponent("SERIAL")

	if !r.cfg.Enabled {
		log.Warn("Remote serial command received but feature is disabled")
		return nil
	}
	if len(r.cfg.AllowedCompanions) == 0 {
		log.Warn("Remote serial command received but no companions are allowed")
		return nil
	}

	// Decode without verification first: the asserted key decides whether a
	// signature check is even warranted.
	claims, err := token.DecodePayload(envelope)
	if err != nil {
		log.Warnf("Failed to decode command envelope: %v", err)
		return nil
	}

	companion := strings.ToUpper(claims.String("publicKey"))
	command := claims.String("command")
	target := strings.ToUpper(claims.String("target"))
	nonce := claims.String("nonce")
	exp := claims.ExpiresAt()

	if companion == "" || command == "" || target == "" || nonce == "" {
		log.Warn("Missing required fields in command envelope")
		return nil
	}

	if target != r.identity.PublicKey {
		log.Debugf("Command target %s... doesn't match our key %s...",
			util.Truncate(target, 8), util.Truncate(r.identity.PublicKey, 8))
		return nil
	}

	if !r.companionAllowed(companion) {
		log.Warnf("Command from unauthorized companion: %s...", util.Truncate(companion, 16))
		return &response{command: command, requestID: nonce, text: "Unauthorized companion"}
	}

	now := r.now()
	if exp != 0 && now.Unix() > exp {
		log.Warnf("Command envelope expired (exp=%d, now=%d)", exp, now.Unix())
		return &response{command: command, requestID: nonce, text: "Command expired"}
	}

	r.pruneNonces(now)
	if r.nonceSeen(nonce) {
		// Replays get no reply at all; an attacker resending a captured
		// envelope learns nothing.
		log.Warnf("Duplicate nonce detected (replay attack?): %s...", util.Truncate(nonce, 16))
		return nil
	}

	if _, err := token.Verify(envelope, companion); err != nil {
		log.Warnf("Command signature verification failed: %v", err)
		return &response{command: command, requestID: nonce, text: "Invalid signature"}
	}
	log.Debugf("Command signature verified for companion %s...", util.Truncate(companion, 16))

	r.recordNonce(nonce, now)

	if rule, blocked := r.blockedBy(command); blocked {
		log.Warnf("Command blocked by rule '%s': %s", rule, command)
		return &response{command: command, requestID: nonce, text: "Command blocked: " + rule}
	}

	if link == nil {
		return &response{command: command, requestID: nonce, text: "Serial port not connected"}
	}

	log.Infof("Executing command from %s...: %s", util.Truncate(companion, 16), command)
	success, text := link.Execute(command, r.cfg.CommandTimeoutDuration())
	return &response{command: command, requestID: nonce, success: success, text: text}
}

// companionAllowed checks the normalized allowlist.
func (r *Remote) companionAllowed(pubkey string) bool {
	for _, allowed := range r.cfg.AllowedCompanions {
		if allowed == pubkey {
			return true
		}
	}
	return false
}

// blockedBy returns the first disallow rule the command falls under. Rules
// are case-insensitive prefixes.
func (r *Remote) blockedBy(command string) (string, bool) {
	cmd := strings.ToLower(strings.TrimSpace(command))
	for _, rule := range r.cfg.DisallowedCommands {
		if strings.HasPrefix(cmd, strings.ToLower(rule)) {
			return rule, true
		}
	}
	return "", false
}

func (r *Remote) nonceSeen(nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, seen := r.nonces[nonce]
	return seen
}

func (r *Remote) recordNonce(nonce string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonces[nonce] = at
}

func (r *Remote) pruneNonces(now time.Time) {
	cutoff := now.Add(-r.cfg.NonceTTLDuration())
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for nonce, ts := range r.nonces {
		if ts.Before(cutoff) {
			delete(r.nonces, nonce)
			expired++
		}
	}
	if expired > 0 {
		util.WithComponent("SERIAL").Debugf("Cleaned up %d expired nonce(s)", expired)
	}
}

// sign wraps a response in a signed envelope. The short expiry keeps stale
// responses from being replayed as fresh ones.
func (r *Remote) sign(resp *response) (string, error) {
	if !r.identity.CanSign() {
		return "", util.ErrNoIdentity
	}
	return token.Create(r.identity.PublicKey, r.identity.PrivateKey, responseExpiry, token.Claims{
		"command":    resp.command,
		"request_id": resp.requestID,
		"success":    resp.success,
		"response":   resp.text,
	})
}

// handleCommandToken is the manager's message callback: run the pipeline and
// publish the signed response when one is produced.
func (b *Bridge) handleCommandToken(envelope string, brokerIdx int) {
	resp := b.remote.Handle(envelope, b.linkExecutor())
	if resp == nil {
		return
	}

	signed, err := b.remote.sign(resp)
	if err != nil {
		util.WithComponent("SERIAL").Errorf("Cannot sign response: %v", err)
		return
	}

	if b.manager.PublishResponse([]byte(signed)) {
		util.WithComponent("SERIAL").Infof("Response published (success=%v, request_id=%s...)",
			resp.success, util.Truncate(resp.requestID, 16))
	} else {
		util.WithComponent("SERIAL").Error("Failed to publish response to any broker")
	}
}
