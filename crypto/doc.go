/*
Package crypto provides the ed25519 key material used by channel parties.

Private keys belong to the wallet layer. The protocol engine only ever sees a
Signer, so an implementation backed by a hardware device or a remote wallet can
be used instead of an in-process PrivateKey.
*/
package crypto
