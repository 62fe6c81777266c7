package jwkscache

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"testing"
)

const sampleJWKS = `{
  "keys": [
    {"kty":"RSA","kid":"rsa-1","use":"sig","alg":"RS256",
     "n":"xGOr-H7A-PWG8mIdHAe3ZJMxOzTWsRYtZW2IGz3IlSv7fyqeRsOEK_mEq4ORatsOnOgyKW4iaqA6ZG2pS4RTyw",
     "e":"AQAB"},
    {"kty":"EC","kid":"ec-1","use":"sig","alg":"ES256","crv":"P-256",
     "x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4",
     "y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFGM"},
    {"kty":"OKP","kid":"ed-1","use":"sig","alg":"EdDSA","crv":"Ed25519",
     "x":"11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo"},
    {"kty":"RSA","use":"sig","alg":"RS256",
     "n":"xGOr-H7A-PWG8mIdHAe3ZJMxOzTWsRYtZW2IGz3IlSv7fyqeRsOEK_mEq4ORatsOnOgyKW4iaqA6ZG2pS4RTyw",
     "e":"AQAB"},
    {"kty":"OKP","crv":"X25519","x":"bm90YXJlYWxrZXk"}
  ]
}`

func TestParseKeySetAllTypes(t *testing.T) {
	ks, err := parseKeySet([]byte(sampleJWKS))
	if err != nil {
		t.Fatalf("parseKeySet: %v", err)
	}
	// One key (X25519 OKP) is unsupported and must be dropped silently.
	if ks.Len() != 4 {
		t.Fatalf("expected 4 parsed keys, got %d", ks.Len())
	}

	rsaKey, ok := ks.Lookup("rsa-1")
	if !ok {
		t.Fatal("rsa-1 not found")
	}
	if _, ok := rsaKey.Public.(*rsa.PublicKey); !ok {
		t.Fatalf("rsa-1 public key has wrong type %T", rsaKey.Public)
	}

	ecKey, ok := ks.Lookup("ec-1")
	if !ok {
		t.Fatal("ec-1 not found")
	}
	if _, ok := ecKey.Public.(*ecdsa.PublicKey); !ok {
		t.Fatalf("ec-1 public key has wrong type %T", ecKey.Public)
	}

	edKey, ok := ks.Lookup("ed-1")
	if !ok {
		t.Fatal("ed-1 not found")
	}
	if _, ok := edKey.Public.(ed25519.PublicKey); !ok {
		t.Fatalf("ed-1 public key has wrong type %T", edKey.Public)
	}
}

func TestParseKeySetDeterministicOrderingForKidlessKeys(t *testing.T) {
	doc := []byte(`{"keys":[
		{"kty":"RSA","alg":"RS256","use":"sig","n":"xGOr-H7A-PWG8mIdHAe3ZJMxOzTWsRYtZW2IGz3IlSv7fyqeRsOEK_mEq4ORatsOnOgyKW4iaqA6ZG2pS4RTyw","e":"AQAB"},
		{"kty":"EC","alg":"ES256","use":"sig","crv":"P-256","x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4","y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFGM"}
	]}`)
	ks, err := parseKeySet(doc)
	if err != nil {
		t.Fatalf("parseKeySet: %v", err)
	}
	if ks.Keys[0].Kty != "EC" || ks.Keys[1].Kty != "RSA" {
		t.Fatalf("expected EC before RSA by alg ordering, got %s then %s", ks.Keys[0].Kty, ks.Keys[1].Kty)
	}
}

func TestParseKeySetRejectsMalformedDocument(t *testing.T) {
	if _, err := parseKeySet([]byte("not json")); err == nil {
		t.Fatal("expected an error for malformed json")
	}
}

func TestParseKeySetRejectsEmptyKeySet(t *testing.T) {
	if _, err := parseKeySet([]byte(`{"keys":[{"kty":"OKP","crv":"X25519","x":"AAAA"}]}`)); err == nil {
		t.Fatal("expected an error when no key could be parsed")
	}
}
