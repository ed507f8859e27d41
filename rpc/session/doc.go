/*
Package session adds sequencing, acknowledgement and replay to a transport channel.

Every session starts with a Hello in both directions carrying the identity of
the sender and the highest sequence it received contiguously. Reliable packets
are numbered, kept in a seqbuf.Buffer and released when the remote confirms
them with a SequenceAck. After a reconnect Resume swaps in the new channel and
re-sends the packets the remote has not confirmed, in order.

Inbound messages are pushed to a lock-free queue by the channel callback and
processed by one dispatch goroutine which decodes them, drops duplicates and
hands everything else to the PacketHandler.
*/
package session
