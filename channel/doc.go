/*
Package channel defines the data model of a two party payment channel.

A Channel is funded once with a fixed total capital split between party A
and party B. Its balance split only changes through co-signed States, each
one carrying a nonce exactly one above the previous canonical state. The
records in this package are shared by the Channel Store (persistence), the
update protocol engine and the relay payloads, and are serialized with
gogo/protobuf.
*/
package channel
