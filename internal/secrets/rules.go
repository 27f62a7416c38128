package secrets

// DefaultRules returns the built-in rules. Prefixed vendor tokens are
// self-identifying and need no keyword.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY(?:[- ]BLOCK)?-----|$)`},
		{ID: "bearer-token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9._~+/\-]{16,}=*`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`},
		{ID: "aws-access-key-id", Pattern: `\b(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}\b`},
		{ID: "github-token", Pattern: `\b(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})\b`},
		{ID: "slack-token", Pattern: `\bxox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "google-api-key", Pattern: `\bAIza[A-Za-z0-9_\-]{35}`},
		{ID: "llm-api-key", Pattern: `\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}`},
		{ID: "url-credentials", Pattern: `(?i)\b[a-z][a-z0-9+.\-]*://[^\s:/@]+:[^\s@/]+@[^\s]+`},
		{ID: "signed-url", Pattern: `(?i)[?&](?:X-Amz-Signature|Signature|sig|token|access_token)=[A-Za-z0-9%._~+/\-]{16,}`},
		{
			ID:       "assignment",
			Pattern:  `(?i)\b(?:api[_-]?key|apikey|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"key", "secret", "pass", "token"},
		},
		{ID: "email", Pattern: `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`},
	}
}
