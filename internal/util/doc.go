// Package util provides small helpers shared by the authorization server, the
// stores and the resource-server verifier.
//
// Key utilities:
//   - SafeTruncate: truncates secrets before they reach a log line
//   - ParseScope, JoinScope, ScopeSubset: space-delimited scope handling (RFC 6749 Section 3.3)
//   - ClassifyIP, IsLoopbackHostname, IsInternalHostname: host classification used by
//     redirect URI checks and the introspection URL allow-list
package util
