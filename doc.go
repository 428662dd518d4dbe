/*

Package paychan implements an off-chain bidirectional payment channel between
two identified parties.

The parties exchange signed balance updates through an untrusted relay and
only touch the settlement layer to fund the channel and to submit the latest
co-signed state when the channel ends. The building blocks live in their own
packages:

  codec      canonical state encoding, signing and verification
  chanstore  durable channel metadata, canonical state and history
  engine     the update protocol state machine
  relay      message delivery between the two parties
  settlement funding confirmation and final state submission

This package holds the identity type shared by all of them.

*/

package paychan
