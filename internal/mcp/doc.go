// Package mcp exposes the protocol engine as MCP tools over stdio.
//
// The tools mirror the HTTP API: protocol_start, protocol_advance,
// protocol_halt, protocol_answer, protocol_status and
// protocol_report_branch drive one instance, protocol_list and
// protocol_abandon manage instances, and tool_search finds tools by
// keyword. Every state-changing tool returns the directive for the next
// step as Markdown text alongside a structured summary.
//
// Engine errors are returned as tool errors (IsError results). A blocked
// advance names the missing artifact so the caller can write it and retry
// the same call.
package mcp
