// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// # Key Layout
//
// All keys carry a configurable prefix (default "oauth:"):
//
//	{prefix}client:{client_id}          client record (JSON, no TTL)
//	{prefix}owner:{owner_user_id}       set of client IDs per owner
//	{prefix}code:{code}                 authorization code record (JSON, TTL)
//	{prefix}token:{access_token}        token record (JSON, TTL)
//	{prefix}refresh:{refresh_token}     refresh token -> access token index (TTL)
//	{prefix}family:{family_id}          set of access tokens per rotation family
//	{prefix}userclient:{user}:{client}  set of access tokens per user+client pair
//
// Codes and token records get a TTL of their lifetime plus a retention
// window, so consumed records stay visible to reuse detection for a while
// after expiry before Valkey drops them.
//
// # Atomicity
//
// The conditional updates the protocol depends on (claim-if-unused,
// revoke-if-active) run as Lua scripts, so exactly one concurrent caller wins
// regardless of how many server instances share the backend. The refresh
// script derives the token key from the refresh index inside the script; in
// cluster mode the key prefix must therefore be wrapped in a hash tag (e.g.
// "{oauth}:") so all keys land on one slot.
package valkey
