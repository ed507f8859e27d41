/*
Package stream transfers payloads of any size as a sequence of bounded chunks.

A stream is a header, any number of chunks and a trailer. The Outgoing manager
opens streams, splits payloads with ByteChunks or TextChunks and writes the
packets through a PacketWriter. Chunks may be compressed with lz4 or zstd per
chunk, the trailer carries a BLAKE3 digest of the raw bytes.

The Incoming manager is the receiving mirror. Headers start the handler
registered for the topic with a ByteReader or TextReader, chunks are verified
for order, length and encoding before they reach the reader, and the trailer
ends the reader with io.EOF or a StreamError.

Usage:

	out := stream.NewOutgoing(writer, common.DefaultStreamConfig(), clock.Real())
	err := out.SendText("hello", stream.Options{Topic: "chat"})

	in := stream.NewIncoming(common.DefaultStreamConfig())
	_ = in.RegisterTextHandler("chat", func(r *stream.TextReader) {
		text, err := r.ReadAll(context.Background())
		...
	})
*/
package stream
