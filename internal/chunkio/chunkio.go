// Package chunkio splits binary payloads into bounded frames with an
// explicit end-of-stream marker.
package chunkio

// DefaultChunkSize is used when callers pass a non-positive size.
const DefaultChunkSize = 64 * 1024

// EndMarkerJSON is the end-of-stream marker for transports that carry
// control messages in-band with binary frames (WebRTC data channels).
// It is sent as a text message after the last binary frame.
const EndMarkerJSON = `{"end":true}`

// Send emits payload as consecutive slices of at most chunkSize bytes,
// in order, then calls emitEnd exactly once. An empty payload emits
// zero chunks and still ends the stream. A failed emit aborts the loop
// and the end marker is not sent.
func Send(payload []byte, chunkSize int, emitChunk func([]byte) error, emitEnd func() error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := emitChunk(payload[off:end]); err != nil {
			return err
		}
	}
	return emitEnd()
}
