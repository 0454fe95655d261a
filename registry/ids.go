package registry

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"
)

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U),
// lowercased for use in ids and hostnames.
const crockfordBase32 = "0123456789abcdefghjkmnpqrstvwxyz"

const maxSubdomainLen = 40

// Identifiers are the generated values that make a tenant addressable.
type Identifiers struct {
	TenantID  string
	Subdomain string
	APIKey    string
	SecretKey string
}

// GenerateIdentifiers derives a subdomain from name and draws fresh ids and
// keys. Uniqueness of the subdomain is settled at insert time.
func GenerateIdentifiers(name string) Identifiers {
	return Identifiers{
		TenantID:  "school_" + randomBase32(12),
		Subdomain: Slugify(name),
		APIKey:    "pk_" + randomHex(24),
		SecretKey: "sk_" + randomHex(32),
	}
}

// NewKeys returns a fresh API key and secret key pair.
func NewKeys() (apiKey, secretKey string) {
	return "pk_" + randomHex(24), "sk_" + randomHex(32)
}

// Slugify lowercases name and collapses every run of other characters into a
// single hyphen.
func Slugify(name string) string {
	var sb strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			sb.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if len(slug) > maxSubdomainLen {
		slug = strings.TrimRight(slug[:maxSubdomainLen], "-")
	}
	if slug == "" {
		return "school"
	}
	return slug
}

func withSuffix(subdomain string) string {
	return subdomain + "-" + randomBase32(4)
}

// rand.Read never returns an error since Go 1.24.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func randomBase32(n int) string {
	var sb strings.Builder
	for _, v := range randomBytes(n) {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String()
}

func randomHex(nBytes int) string {
	return hex.EncodeToString(randomBytes(nBytes))
}
