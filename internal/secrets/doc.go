// Package secrets detects and redacts secrets in text using the Gitleaks
// rule set.
//
// The executor scrubs reviewer feedback and check output through a Scrubber
// before the text reaches agent prompts, the event stream, or durable run
// state. Detection uses the default Gitleaks config (800+ patterns) merged
// with optional project (.gitleaks.toml) and user allowlists. Redacted
// content keeps [REDACTED:rule-id:preview] markers in place of the secret
// so surrounding context stays readable.
package secrets
