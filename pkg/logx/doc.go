// Package logx is the structured logger used across failuredetector.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - console output short and readable
//   - the file sink JSON-structured
//   - an optional operator-chat sink gated by level and a token bucket
package logx
