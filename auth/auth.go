// Package auth validates agent identity. Agents present a presigned STS
// GetCallerIdentity URL; the server calls it and checks the resolved ARN
// against an allow list of role patterns.
package auth

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/tunnelmesh/wire"
)

// Validator answers IamAuth frames from agents.
type Validator interface {
	Authenticate(ctx context.Context, req wire.IamAuth) wire.IamAuthResponse
}

// SkipValidator accepts every agent with a fixed placeholder identity.
// Local development only.
type SkipValidator struct {
	log *zerolog.Logger
}

func NewSkipValidator(log *zerolog.Logger) *SkipValidator {
	return &SkipValidator{log: log}
}

func (v *SkipValidator) Authenticate(_ context.Context, _ wire.IamAuth) wire.IamAuthResponse {
	v.log.Info().Msg("IAM validation skipped")
	return wire.IamAuthResponse{
		Success: true,
		Identity: &wire.Identity{
			ARN:           "arn:aws:iam::000000000000:role/skipped-validation",
			AccountID:     "000000000000",
			UserID:        "skipped-validation",
			PrincipalType: "AssumedRole",
		},
	}
}

// STSValidator calls the agent's presigned URL and admits the connection
// when the returned ARN matches an allowed pattern.
type STSValidator struct {
	client          *http.Client
	allowedPatterns []string
	log             *zerolog.Logger
}

func NewSTSValidator(client *http.Client, allowedPatterns []string, log *zerolog.Logger) *STSValidator {
	if client == nil {
		client = http.DefaultClient
	}
	return &STSValidator{
		client:          client,
		allowedPatterns: allowedPatterns,
		log:             log,
	}
}

func (v *STSValidator) Authenticate(ctx context.Context, req wire.IamAuth) wire.IamAuthResponse {
	if req.PresignedURL == "" {
		v.log.Warn().Msg("IamAuth received without presigned URL")
		return failure("No presigned URL provided")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.PresignedURL, nil)
	if err != nil {
		v.log.Warn().Err(err).Msg("invalid presigned URL")
		return failure("Invalid presigned URL: " + err.Error())
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		v.log.Warn().Err(err).Msg("STS presigned call failed")
		return failure("STS call failed: " + err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.log.Warn().Str("status", resp.Status).Msg("STS call returned non-success status")
		return failure("STS call failed with status: " + resp.Status)
	}

	xml := string(body)
	arn := extractXMLField(xml, "Arn")
	account := extractXMLField(xml, "Account")
	userID := extractXMLField(xml, "UserId")
	if arn == "" || account == "" || userID == "" {
		v.log.Warn().Msg("failed to parse STS identity from response")
		return failure("Failed to parse STS identity")
	}

	if !roleAllowed(arn, v.allowedPatterns) {
		v.log.Warn().Str("arn", arn).Msg("role not allowed")
		return failure("Role not allowed")
	}

	v.log.Info().Str("arn", arn).Msg("IAM auth successful")
	return wire.IamAuthResponse{
		Success: true,
		Identity: &wire.Identity{
			ARN:           arn,
			AccountID:     account,
			UserID:        userID,
			PrincipalType: "AssumedRole",
		},
	}
}

func failure(message string) wire.IamAuthResponse {
	return wire.IamAuthResponse{Success: false, Error: message}
}

// extractXMLField pulls the text between <tag> and </tag> of the first
// occurrence of tag.
func extractXMLField(xml, tag string) string {
	start := "<" + tag + ">"
	end := "</" + tag + ">"
	si := strings.Index(xml, start)
	if si < 0 {
		return ""
	}
	si += len(start)
	ei := strings.Index(xml[si:], end)
	if ei < 0 {
		return ""
	}
	return xml[si : si+ei]
}

// roleAllowed reports whether the ARN matches any allowed pattern. An
// empty list or a bare "*" entry allows every role.
func roleAllowed(arn string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
	}
	for _, p := range patterns {
		if matchesARNPattern(arn, p) {
			return true
		}
	}
	return false
}

// matchesARNPattern matches with '*' wildcards. The first segment must
// anchor at the start, the last at the end, and the middle segments must
// appear in order.
func matchesARNPattern(arn, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return arn == pattern
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(arn, parts[0]) {
		return false
	}
	rest := arn[len(parts[0]):]

	last := len(parts) - 1
	for i := 1; i < last; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(rest, parts[i])
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(parts[i]):]
	}
	return strings.HasSuffix(rest, parts[last])
}

// AllowedPatternsFromEnv reads ALLOWED_ROLE_ARNS, a comma-separated list
// of ARN patterns. Unset means every role is allowed.
func AllowedPatternsFromEnv() []string {
	raw, ok := os.LookupEnv("ALLOWED_ROLE_ARNS")
	if !ok {
		return []string{"*"}
	}
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
