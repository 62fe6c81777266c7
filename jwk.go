package jwkscache

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"sort"
)

// Key is a single parsed JSON Web Key, reduced to what a token verifier
// needs: identity fields plus a stdlib public key value.
type Key struct {
	Kid    string
	Alg    string
	Use    string
	Kty    string
	Public crypto.PublicKey
}

// KeySet is the immutable, resolved form of a JWKS document. It is safe for
// concurrent use: once built it is never mutated, only atomically swapped
// for a new instance by the owning CacheManager.
type KeySet struct {
	Raw  []byte
	Keys []Key

	byKid map[string]Key
}

// Lookup returns the key with the given kid, if present.
func (ks *KeySet) Lookup(kid string) (Key, bool) {
	if ks == nil || kid == "" {
		return Key{}, false
	}
	k, ok := ks.byKid[kid]
	return k, ok
}

// Len reports how many keys were successfully parsed.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.Keys)
}

type jwkDocument struct {
	Keys []rawJWK `json:"keys"`
}

type rawJWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// parseKeySet decodes a JWKS document body into a KeySet. Individual keys
// with an unsupported or malformed kty/crv are skipped rather than failing
// the whole document; the document itself is a ParseError only when no key
// could be parsed or the JSON envelope itself is malformed.
func parseKeySet(body []byte) (*KeySet, error) {
	var doc jwkDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, newErr(KindParse, "parse", "malformed jwks document", false, err)
	}

	keys := make([]Key, 0, len(doc.Keys))
	for _, raw := range doc.Keys {
		pub, err := parseJWKPublicKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, Key{Kid: raw.Kid, Alg: raw.Alg, Use: raw.Use, Kty: raw.Kty, Public: pub})
	}

	if len(keys) == 0 {
		return nil, newErr(KindParse, "parse", "no valid keys in jwks document", false, nil)
	}

	orderDeterministically(keys)

	byKid := make(map[string]Key, len(keys))
	for _, k := range keys {
		if k.Kid != "" {
			byKid[k.Kid] = k
		}
	}

	return &KeySet{Raw: body, Keys: keys, byKid: byKid}, nil
}

// orderDeterministically sorts keys lacking a kid by (alg, use, kty),
// stably preserving document order within a tied group and relative to
// keys that do carry a kid.
func orderDeterministically(keys []Key) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Kid != "" || b.Kid != "" {
			return false
		}
		if a.Alg != b.Alg {
			return a.Alg < b.Alg
		}
		if a.Use != b.Use {
			return a.Use < b.Use
		}
		return a.Kty < b.Kty
	})
}

func parseJWKPublicKey(raw rawJWK) (crypto.PublicKey, error) {
	switch raw.Kty {
	case "RSA":
		return parseRSAJWK(raw)
	case "EC":
		return parseECJWK(raw)
	case "OKP":
		return parseOKPJWK(raw)
	default:
		return nil, newErr(KindParse, "parse", "unsupported kty "+raw.Kty, false, nil)
	}
}

func b64url(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func parseRSAJWK(raw rawJWK) (crypto.PublicKey, error) {
	if raw.N == "" || raw.E == "" {
		return nil, newErr(KindParse, "parse", "rsa jwk missing n or e", false, nil)
	}
	nBytes, err := b64url(raw.N)
	if err != nil {
		return nil, newErr(KindParse, "parse", "rsa jwk n not valid base64url", false, err)
	}
	eBytes, err := b64url(raw.E)
	if err != nil {
		return nil, newErr(KindParse, "parse", "rsa jwk e not valid base64url", false, err)
	}
	modulus := new(big.Int).SetBytes(nBytes)
	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, newErr(KindParse, "parse", "rsa jwk e decodes to zero", false, nil)
	}
	return &rsa.PublicKey{N: modulus, E: exponent}, nil
}

func parseECJWK(raw rawJWK) (crypto.PublicKey, error) {
	if raw.X == "" || raw.Y == "" {
		return nil, newErr(KindParse, "parse", "ec jwk missing x or y", false, nil)
	}
	var curve elliptic.Curve
	switch raw.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	default:
		return nil, newErr(KindParse, "parse", "unsupported ec crv "+raw.Crv, false, nil)
	}
	xBytes, err := b64url(raw.X)
	if err != nil {
		return nil, newErr(KindParse, "parse", "ec jwk x not valid base64url", false, err)
	}
	yBytes, err := b64url(raw.Y)
	if err != nil {
		return nil, newErr(KindParse, "parse", "ec jwk y not valid base64url", false, err)
	}
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, newErr(KindParse, "parse", "ec jwk point not on curve", false, nil)
	}
	return pub, nil
}

func parseOKPJWK(raw rawJWK) (crypto.PublicKey, error) {
	if raw.Crv != "Ed25519" {
		return nil, newErr(KindParse, "parse", "unsupported okp crv "+raw.Crv, false, nil)
	}
	if raw.X == "" {
		return nil, newErr(KindParse, "parse", "okp jwk missing x", false, nil)
	}
	xBytes, err := b64url(raw.X)
	if err != nil {
		return nil, newErr(KindParse, "parse", "okp jwk x not valid base64url", false, err)
	}
	if len(xBytes) != ed25519.PublicKeySize {
		return nil, newErr(KindParse, "parse", "okp jwk x has wrong length", false, nil)
	}
	return ed25519.PublicKey(xBytes), nil
}
