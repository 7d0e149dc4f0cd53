package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// VendorAuth signs outbound requests to a vendor REST endpoint with
// HMAC-SHA256 over "timestamp + method + path [+ body]". Reference-data and
// market-data vendors have no on-chain identity to attest to, so this layer
// carries only symmetric-key signing — no wallet-ownership proof.
type VendorAuth struct {
	apiKey string
	secret []byte
}

// NewVendorAuth reads the API key and secret from the environment variables
// named in the vendor's config, so credentials never live in the YAML file.
func NewVendorAuth(apiKeyEnv, secretEnv string) (*VendorAuth, error) {
	apiKey := os.Getenv(apiKeyEnv)
	secretRaw := os.Getenv(secretEnv)
	if apiKey == "" || secretRaw == "" {
		return nil, fmt.Errorf("ingest: vendor auth: %s and %s must both be set", apiKeyEnv, secretEnv)
	}

	secret, err := decodeSecret(secretRaw)
	if err != nil {
		return nil, fmt.Errorf("ingest: vendor auth: decode secret: %w", err)
	}
	return &VendorAuth{apiKey: apiKey, secret: secret}, nil
}

// decodeSecret tries every base64 variant vendors commonly hand out before
// falling back to the raw bytes.
func decodeSecret(raw string) ([]byte, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, dec := range decoders {
		if b, err := dec.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	return []byte(raw), nil
}

// Headers returns the HMAC-signed headers for one request.
func (a *VendorAuth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-Vendor-Api-Key":   a.apiKey,
		"X-Vendor-Signature": sig,
		"X-Vendor-Timestamp": timestamp,
	}
}
