// Package verifier is the resource-server side of token validation.
//
// A Verifier asks the authorization server's introspection endpoint about
// every bearer token it sees; there is no local cache, so a revoked token is
// rejected on the next request. Any failure to get a clear "active" answer
// (timeouts, non-200 responses, malformed JSON) is treated as an invalid
// token.
//
// Operations are registered with the scope they require and invoked through
// Operations.Invoke or the HTTP handler returned by Operations.Handler.
package verifier
