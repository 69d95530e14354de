// Package domain defines the core domain types and interfaces.
//
// It holds the shared entities of the bridge (interests, upstream
// subscriptions, bot and service accounts, channel states) and the
// repository contracts their storage implements. No implementation
// code - just contracts. Prevents circular imports by keeping
// interfaces on the consumer side.
package domain
