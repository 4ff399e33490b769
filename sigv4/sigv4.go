// Package sigv4 builds presigned STS GetCallerIdentity URLs. The agent
// hands the URL to the server, which calls it to learn the agent's
// identity without ever seeing the agent's credentials.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	algorithm = "AWS4-HMAC-SHA256"
	service   = "sts"

	// expirySeconds keeps the URL short-lived; the server is expected to
	// call it immediately.
	expirySeconds = "60"
)

// PresignGetCallerIdentity returns a presigned GET URL for
// sts.<region>.amazonaws.com valid for 60 seconds from now.
func PresignGetCallerIdentity(creds aws.Credentials, region string, now time.Time) string {
	host := "sts." + region + ".amazonaws.com"
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := amzDate[:8]

	params := [][2]string{
		{"Action", "GetCallerIdentity"},
		{"Version", "2011-06-15"},
		{"X-Amz-Algorithm", algorithm},
		{"X-Amz-Credential", creds.AccessKeyID + "/" + dateStamp + "/" + region + "/" + service + "/aws4_request"},
		{"X-Amz-Date", amzDate},
		{"X-Amz-Expires", expirySeconds},
		{"X-Amz-SignedHeaders", "host"},
	}
	if creds.SessionToken != "" {
		params = append(params, [2]string{"X-Amz-Security-Token", creds.SessionToken})
	}

	// Keys and values are encoded independently, then sorted by encoded
	// key with encoded value as tie-breaker.
	encoded := make([][2]string, len(params))
	for i, kv := range params {
		encoded[i] = [2]string{encodeRFC3986(kv[0]), encodeRFC3986(kv[1])}
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i][0] != encoded[j][0] {
			return encoded[i][0] < encoded[j][0]
		}
		return encoded[i][1] < encoded[j][1]
	})

	pairs := make([]string, len(encoded))
	for i, kv := range encoded {
		pairs[i] = kv[0] + "=" + kv[1]
	}
	canonicalQuery := strings.Join(pairs, "&")

	emptyPayloadHash := hex.EncodeToString(sha256Sum(nil))
	canonicalRequest := strings.Join([]string{
		"GET",
		"/",
		canonicalQuery,
		"host:" + host + "\n",
		"host",
		emptyPayloadHash,
	}, "\n")

	scope := dateStamp + "/" + region + "/" + service + "/aws4_request"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(sha256Sum([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+creds.SecretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return "https://" + host + "/?" + canonicalQuery + "&X-Amz-Signature=" + signature
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// encodeRFC3986 percent-encodes every byte outside the RFC 3986
// unreserved set, with uppercase hex digits as sigv4 requires.
func encodeRFC3986(s string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}
