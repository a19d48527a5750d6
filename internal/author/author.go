// Package author derives and verifies the tamper-evident author string
// threaded from a verified caller identity into every commit and audit
// event, adapted from the secure author provider pattern in the ledger's
// original Python core.
package author

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/R3E-Network/oms-core/internal/omserrors"
)

// Kind distinguishes a human caller from a service account.
type Kind string

const (
	KindVerified Kind = "verified"
	KindService  Kind = "service"
)

// UserContext is the verified caller identity produced by an upstream
// authentication step. No component in this module re-verifies the JWT
// that produced it.
type UserContext struct {
	UserID          string
	Username        string
	Email           string
	Roles           []string
	Tenant          string
	Scopes          []string
	AuthMethod      string
	IsServiceAccount bool
}

// VerifyReason enumerates the outcomes of Verify.
type VerifyReason string

const (
	ReasonOK          VerifyReason = "ok"
	ReasonFormat      VerifyReason = "format"
	ReasonUserMismatch VerifyReason = "user_mismatch"
	ReasonHashMismatch VerifyReason = "hash_mismatch"
	ReasonStale       VerifyReason = "stale"
	ReasonUnverified  VerifyReason = "unverified"
)

// Parsed is the structured decomposition of an author string.
type Parsed struct {
	Username    string
	UserID      string
	Kind        Kind
	Timestamp   time.Time
	Hash        string
	Roles       []string
	Tenant      string
	Delegated   bool
	OnBehalfOf  string
	Reason      string
	raw         string
}

const staleAfter = 24 * time.Hour

// authorPattern matches "username (user_id) [verified|service]|ts:...|hash:...|roles:...|tenant:...[delegated...]".
var authorPattern = regexp.MustCompile(`^(.+?) \((.+?)\) \[(verified|service)\](?:\|(.*))?$`)

// Provider derives and verifies author strings using a process-wide secret.
// DevelopmentMode, when true, permits stamping "[verified]" with no hash
// when no secret is configured, tagging the result with roles=dev so it is
// detectable downstream.
type Provider struct {
	secret          string
	developmentMode bool
	now             func() time.Time
}

// NewProvider constructs a Provider. Per the startup contract, an empty
// secret is only tolerated when developmentMode is true.
func NewProvider(secret string, developmentMode bool) (*Provider, error) {
	if secret == "" && !developmentMode {
		return nil, fmt.Errorf("author: secret is required outside development mode")
	}
	return &Provider{secret: secret, developmentMode: developmentMode, now: time.Now}, nil
}

// Secure derives an AuthorString for a verified user context.
func (p *Provider) Secure(ctx UserContext) (string, error) {
	if ctx.UserID == "" || ctx.Username == "" {
		return "", omserrors.IntegrityError("author: user_id and username are required")
	}

	kind := KindVerified
	if ctx.IsServiceAccount {
		kind = KindService
	}

	ts := p.now().UTC().Format(time.RFC3339)
	roles := ctx.Roles
	var hash string
	if p.secret == "" && p.developmentMode {
		roles = appendUnique(roles, "dev")
	} else {
		hash = p.hash(ctx.Username, ctx.UserID, ts)
	}

	meta := []string{"ts:" + ts}
	if hash != "" {
		meta = append(meta, "hash:"+hash)
	}
	meta = append(meta, "roles:"+strings.Join(roles, ","))
	if ctx.Tenant != "" {
		meta = append(meta, "tenant:"+ctx.Tenant)
	}

	return fmt.Sprintf("%s (%s) [%s]|%s", ctx.Username, ctx.UserID, kind, strings.Join(meta, "|")), nil
}

// Delegated appends a trailing delegation segment to a base author string
// produced on behalf of another principal.
func (p *Provider) Delegated(delegator UserContext, onBehalfOf, reason string) (string, error) {
	base, err := p.Secure(delegator)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s [delegated|on_behalf_of:%s|reason:%s]", base, onBehalfOf, reason), nil
}

func (p *Provider) hash(username, userID, ts string) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(username + "|" + userID + "|" + ts))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}

// Parse decomposes an author string without requiring the secret.
func Parse(s string) (*Parsed, error) {
	delegated := false
	onBehalfOf, reason := "", ""
	if idx := strings.Index(s, " [delegated|"); idx >= 0 {
		delegated = true
		tail := strings.TrimPrefix(s[idx:], " [delegated|")
		tail = strings.TrimSuffix(tail, "]")
		for _, part := range strings.Split(tail, "|") {
			if v, ok := strings.CutPrefix(part, "on_behalf_of:"); ok {
				onBehalfOf = v
			}
			if v, ok := strings.CutPrefix(part, "reason:"); ok {
				reason = v
			}
		}
		s = s[:idx]
	}

	m := authorPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, omserrors.IntegrityError("author: malformed author string")
	}

	p := &Parsed{
		Username:   m[1],
		UserID:     m[2],
		Kind:       Kind(m[3]),
		Delegated:  delegated,
		OnBehalfOf: onBehalfOf,
		Reason:     reason,
		raw:        s,
	}

	for _, part := range strings.Split(m[4], "|") {
		switch {
		case strings.HasPrefix(part, "ts:"):
			ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(part, "ts:"))
			if err != nil {
				return nil, omserrors.IntegrityError("author: invalid timestamp")
			}
			p.Timestamp = ts
		case strings.HasPrefix(part, "hash:"):
			p.Hash = strings.TrimPrefix(part, "hash:")
		case strings.HasPrefix(part, "roles:"):
			v := strings.TrimPrefix(part, "roles:")
			if v != "" {
				p.Roles = strings.Split(v, ",")
			}
		case strings.HasPrefix(part, "tenant:"):
			p.Tenant = strings.TrimPrefix(part, "tenant:")
		}
	}

	return p, nil
}

// Verify checks tamper evidence for an author string. It never requires
// the secret for well-formed strings that carry no hash (development-mode
// stamps), returning ReasonUnverified in that case rather than a false
// positive or negative.
func Verify(s, secret string, now time.Time) (VerifyReason, error) {
	p, err := Parse(s)
	if err != nil {
		return ReasonFormat, err
	}

	if p.Hash == "" {
		return ReasonUnverified, nil
	}
	if secret == "" {
		return ReasonUnverified, nil
	}

	if now.Sub(p.Timestamp) > staleAfter {
		return ReasonStale, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(p.Username + "|" + p.UserID + "|" + p.Timestamp.UTC().Format(time.RFC3339)))
	want := hex.EncodeToString(mac.Sum(nil))[:8]
	if !hmac.Equal([]byte(want), []byte(p.Hash)) {
		return ReasonHashMismatch, nil
	}

	return ReasonOK, nil
}

// EffectiveUser returns the acting principal: the delegate if the author
// string carries a delegation segment, else the stamped user id.
func EffectiveUser(s string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	if p.Delegated && p.OnBehalfOf != "" {
		return p.OnBehalfOf, nil
	}
	return p.UserID, nil
}

func appendUnique(roles []string, role string) []string {
	for _, r := range roles {
		if r == role {
			return roles
		}
	}
	return append(append([]string{}, roles...), role)
}
