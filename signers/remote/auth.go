package remote

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// tokenTTL bounds how long a request token stays valid. Tokens are minted
// per request, so the window only needs to cover clock drift plus transit.
const tokenTTL = 2 * time.Minute

// Auth mints the ES256 JWT bearer tokens the wallet service authenticates
// requests with. Each token is bound to one method, host and path, and to
// the request body when there is one, so a captured token cannot be replayed
// against a different endpoint.
//
// Auth is immutable after construction and safe for concurrent use.
type Auth struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
}

// requestClaims is the claim set the wallet service verifies.
type requestClaims struct {
	*jwt.Claims

	// URI is "{METHOD} {host}{path}" for the request the token authorizes.
	URI string `json:"uri"`

	// ReqHash is the hex SHA-256 of the request body, empty for bodyless
	// requests.
	ReqHash string `json:"reqHash,omitempty"`
}

// NewAuth parses the PEM-encoded P-256 private key and returns an Auth for
// the given key id. Both SEC 1 ("EC PRIVATE KEY") and PKCS#8 encodings are
// accepted.
func NewAuth(keyID, pemKey string) (*Auth, error) {
	if keyID == "" {
		return nil, fmt.Errorf("remote: key id must not be empty")
	}

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("remote: credentials are not PEM encoded")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("remote: parse private key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("remote: key must be ECDSA, got %T", parsed)
		}
		privateKey = ecKey
	}

	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("remote: ES256 requires a P-256 key, got %s", privateKey.Curve.Params().Name)
	}

	return &Auth{keyID: keyID, privateKey: privateKey}, nil
}

// Token signs a JWT authorizing one request. The body may be nil.
func (a *Auth) Token(method, host, path string, body []byte) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("remote: create token signer: %w", err)
	}

	var reqHash string
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		reqHash = hex.EncodeToString(sum[:])
	}

	now := time.Now()
	claims := &requestClaims{
		Claims: &jwt.Claims{
			Subject:   a.keyID,
			Issuer:    "toll-wallet",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		URI:     fmt.Sprintf("%s %s%s", method, host, path),
		ReqHash: reqHash,
	}

	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("remote: serialize token: %w", err)
	}
	return token, nil
}
