// Package auth verifies Google securetoken ID tokens for API requests.
// Verification is pure JWT work: RS256 signatures checked against Google's
// published x509 certificates, matched by key id and cached per the
// certificate endpoint's Cache-Control header.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/jreiner16/AceMarket/internal/logging"
)

// DevUserID is the fixed identity handed out when verification is disabled.
const DevUserID = "dev-user"

// CertsURL serves Google's securetoken signing certificates as a JSON map
// of key id to PEM certificate.
const CertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// ErrUnauthorized is returned for any token problem. The API layer maps it
// to 401 without leaking the underlying cause to the client.
var ErrUnauthorized = errors.New("invalid or missing token")

// Verifier checks bearer tokens. Safe for concurrent use.
type Verifier struct {
	projectID string
	disabled  bool
	certsURL  string
	client    *http.Client
	log       zerolog.Logger

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	refresh time.Time
}

// New builds a verifier for the given Google project. When disabled is
// true every token resolves to DevUserID.
func New(projectID string, disabled bool) *Verifier {
	return &Verifier{
		projectID: projectID,
		disabled:  disabled,
		certsURL:  CertsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       logging.Component("auth"),
	}
}

// Disabled reports whether verification is bypassed.
func (v *Verifier) Disabled() bool { return v.disabled }

// Verify checks the token and returns the authenticated user id. All
// failures come back as ErrUnauthorized; details go to the log only.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if v.disabled {
		return DevUserID, nil
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid header")
			}
			return v.key(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		v.log.Warn().Err(err).Msg("token verification failed")
		return "", ErrUnauthorized
	}
	if claims.Subject == "" {
		v.log.Warn().Msg("token has no subject")
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// key returns the RSA public key for kid, refreshing the certificate
// table when it is stale or the kid is unknown.
func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Now().Before(v.refresh)
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.fetchCerts(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("no certificate for kid %q", kid)
}

func (v *Verifier) fetchCerts(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch signing certs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch signing certs: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read signing certs: %w", err)
	}
	var pems map[string]string
	if err := json.Unmarshal(body, &pems); err != nil {
		return fmt.Errorf("decode signing certs: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pems))
	for kid, raw := range pems {
		key, err := parseCertKey(raw)
		if err != nil {
			v.log.Warn().Str("kid", kid).Err(err).Msg("skipping unparsable cert")
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return errors.New("no usable signing certs")
	}

	v.mu.Lock()
	v.keys = keys
	v.refresh = time.Now().Add(maxAge(resp.Header.Get("Cache-Control")))
	v.mu.Unlock()
	return nil
}

func parseCertKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not RSA")
	}
	return key, nil
}

// maxAge extracts the max-age directive, defaulting to an hour.
func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "max-age="); ok {
			if secs, err := strconv.Atoi(rest); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return time.Hour
}
