package secrets

// Rule detects one kind of credential.
type Rule struct {
	ID string `koanf:"id"`

	// Pattern is a Go regexp. When it has a capture group only the first
	// group is redacted, so "api_key=abc" keeps its "api_key=" prefix.
	Pattern string `koanf:"pattern"`

	// Keywords gate the rule: at least one must appear (case-insensitive).
	Keywords []string `koanf:"keywords"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "aws-access-key-id",
			Pattern:  `\b((?:A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16})\b`,
			Keywords: []string{"akia", "asia", "a3t", "agpa", "aida", "aroa"},
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})`,
			Keywords: []string{"secret_access_key"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?([A-Za-z0-9_\-\.]{16,})`,
			Keywords: []string{"key", "token"},
		},
		{
			ID:       "password-assignment",
			Pattern:  `(?i)(?:password|passwd|pwd|secret)\s*[:=]\s*['"]?([^\s'";,]{6,})`,
			Keywords: []string{"pass", "pwd", "secret"},
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+([A-Za-z0-9_\-\.=]{20,})`,
			Keywords: []string{"bearer"},
		},
		{
			ID:      "github-token",
			Pattern: `\b((?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36})\b`,
		},
		{
			ID:      "github-fine-grained-token",
			Pattern: `\b(github_pat_[A-Za-z0-9_]{22,})\b`,
		},
		{
			ID:      "openai-api-key",
			Pattern: `\b(sk-(?:proj-)?[A-Za-z0-9_\-]{20,})\b`,
		},
		{
			ID:      "slack-token",
			Pattern: `\b(xox[baprs]-[A-Za-z0-9\-]{10,})\b`,
		},
		{
			ID:      "jwt",
			Pattern: `\b(eyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,})\b`,
		},
		{
			ID:      "url-credentials",
			Pattern: `[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s:/@]+:([^\s@/]+)@`,
		},
		{
			ID:       "private-key",
			Pattern:  `(?s)(-----BEGIN [A-Z ]*PRIVATE KEY-----.*?(?:-----END [A-Z ]*PRIVATE KEY-----|$))`,
			Keywords: []string{"private key"},
		},
	}
}
