package secrets

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// DefaultRules returns the built-in rule set. Rules whose prefix identifies
// the credential run unconditionally; looser patterns require a keyword.
func DefaultRules() []Rule {
	return []Rule{
		high("private-key", "PEM private key block",
			`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`),
		high("aws-access-key-id", "AWS access key ID",
			`\b(?:A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA|AROA|ANPA)[A-Z0-9]{16}\b`),
		high("aws-secret-access-key", "AWS secret access key",
			`(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`, "aws", "secret"),
		high("github-token", "GitHub token",
			`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`),
		high("github-fine-grained", "GitHub fine-grained token",
			`\bgithub_pat_[A-Za-z0-9_]{22,}`),
		high("gitlab-token", "GitLab personal access token",
			`\bglpat-[A-Za-z0-9\-]{20,}`),
		high("slack-token", "Slack token",
			`\bxox[baprs]-[A-Za-z0-9\-]{10,}`),
		high("stripe-key", "Stripe API key",
			`\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`),
		high("anthropic-api-key", "Anthropic API key",
			`\bsk-ant-[A-Za-z0-9_\-]{32,}`),
		high("openai-api-key", "OpenAI API key",
			`\bsk-(?:proj-)?[A-Za-z0-9_\-]{40,}`, "openai", "sk-proj"),
		high("google-api-key", "Google API key",
			`\bAIza[A-Za-z0-9_\-]{35}`),
		high("npm-token", "npm access token",
			`\bnpm_[A-Za-z0-9]{36}\b`),
		high("nats-nkey-seed", "NATS nkey seed",
			`\bSU[A-Z2-7]{56}\b`),
		high("database-url", "connection URL with embedded credentials",
			`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|nats)://[^:/\s@]+:[^@\s]+@[^\s"']+`),
		high("generic-api-key", "API key assignment",
			`(?i)\b(?:api[_-]?key|apikey|x-api-key)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`, "api"),
		high("generic-secret", "password or secret assignment",
			`(?i)\b(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`, "secret", "pass", "pwd"),
		high("env-credential", "credential-named environment variable",
			`(?m)(?:^|[^A-Za-z0-9_])(?:[A-Z0-9]+_)*(?:PASSWORD|SECRET|SECRET_KEY|PRIVATE_KEY|AUTH_TOKEN|ACCESS_TOKEN|REFRESH_TOKEN)\s*=\s*['"]?[^\s'"]{8,}['"]?`),
		medium("jwt", "JSON web token",
			`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]*`),
		medium("bearer-token", "bearer token",
			`(?i)\bbearer\s+[A-Za-z0-9_\-.=]{20,}`, "bearer"),
	}
}

func high(id, desc, pattern string, keywords ...string) Rule {
	return Rule{ID: id, Description: desc, Pattern: pattern, Keywords: keywords, Severity: SeverityHigh}
}

func medium(id, desc, pattern string, keywords ...string) Rule {
	return Rule{ID: id, Description: desc, Pattern: pattern, Keywords: keywords, Severity: SeverityMedium}
}
