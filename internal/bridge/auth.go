package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	authRealm   = "carecall"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator challenges inbound INVITEs with SIP digest auth against the
// single configured provider credential. The IP allow-list is the primary
// gate; digest is an extra layer for providers that support it.
type Authenticator struct {
	username string
	password string
	logger   *slog.Logger
	nonces   sync.Map // map[string]time.Time
}

// NewAuthenticator creates a digest authenticator for the given credential.
func NewAuthenticator(username, password string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
		logger:   logger.With("subsystem", "auth"),
	}
}

// Challenge sends a 401 Unauthorized response with a WWW-Authenticate header.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    "carecall",
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header. Returns true on success;
// on failure the appropriate SIP response has already been sent.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) bool {
	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", req.Source(),
		)
		a.respondError(req, tx, 400, "Bad Request")
		return false
	}

	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.Challenge(req, tx)
		return false
	}

	if cred.Username != a.username {
		a.logger.Warn("unknown sip username",
			"username", cred.Username,
			"source", req.Source(),
		)
		a.respondError(req, tx, 403, "Forbidden")
		return false
	}

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     cred.Nonce,
		Opaque:    "carecall",
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: a.password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest", "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return false
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", req.Source(),
		)
		a.Challenge(req, tx)
		return false
	}

	a.nonces.Delete(cred.Nonce)
	return true
}

// CleanExpiredNonces removes nonces older than the expiry window.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
