// Package valkey provides a Valkey (Redis-compatible) storage.Store for
// multi-instance deployments.
//
// # Key Schema
//
// All keys share a configurable prefix (default "{authz}:"):
//
//	{prefix}client:{clientID}          -> JSON(Client), no TTL
//	{prefix}code:{code}                -> JSON(AuthorizationCode)
//	{prefix}device:{deviceCode}        -> JSON(DeviceAuthorization)
//	{prefix}usercode:{userCode}        -> deviceCode
//	{prefix}token:{value}              -> JSON(Token)
//	{prefix}family:{familyID}          -> SET of token values
//	{prefix}userclient:{uid}:{cid}     -> SET of token values
//
// Codes, device authorizations and tokens carry a TTL of their remaining
// lifetime plus a retention window, so expired and used records are still
// visible for reuse detection and expired_token responses before Valkey drops
// them. Expiry is always decided by the scripts, never by key presence.
//
// # Atomic Operations
//
// Every compare-and-swap runs as a Lua script: code consumption, user code
// reservation, device resolution, poll bookkeeping, device claim, refresh
// rotation and the revocation cascades. Several scripts derive record keys
// from values they read, so all keys must hash to one Cluster slot. The
// prefix always carries a hash tag; New wraps one that lacks it, so
// "authz:" is used as "{authz}:".
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "{authz}:",
//	})
package valkey
