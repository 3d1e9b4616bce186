// Package providerstub hosts a deterministic HTTP fake of the streaming
// provider's control API for integration tests. The stub mints stream keys,
// revokes them, provisions channels, and answers health probes without
// touching the network, and can inject transient failures so tests can
// assert retry behaviour end to end.
package providerstub
