// Package secrets redacts credentials from text and JSON before protocold
// hands it to an agent.
//
// Phase outputs, halt reasons and branch findings are produced by agents
// and flow back out as directive context, so anything one agent pasted
// (API keys, tokens, database URLs) would otherwise be replayed to every
// later phase. The built-in rules follow common gitleaks patterns, and
// Config.Gitleaks layers the full gitleaks default rule set on top.
package secrets
