// Package protocol implements the binary wire format spoken between a
// client object model and a remote document store.
//
// Everything on the wire is a tagged value: one tag byte followed by a
// payload whose layout the tag determines. Base tags (below 128) cover
// nil, booleans, integers, floats, strings, byte slices, lists and
// string-keyed maps. Three extension tags carry document-store values:
//
//	128  Timestamp          [int64 ms since epoch, big-endian]
//	129  GeoPoint           [float64 latitude][float64 longitude]
//	130  DocumentReference  [len-prefixed path]
//
// Decoding fails closed: a truncated payload is ErrMalformed, a tag outside
// both ranges is ErrUnknownTag.
//
// # Encoding
//
//   - Varint: Compact encoding for lengths and counts (protobuf-style)
//   - ZigZag: Signed integers encoded as unsigned varints
//   - Length-prefixed: Strings and byte arrays prefixed with varint length
//   - Big-endian: Fixed-width integers and IEEE 754 floats
//
// # Envelopes
//
// A method call is a method name followed by one argument value. A reply
// is a status byte followed by either the result value or an error
// (code, message, details). Frames wrap either kind with a type byte and a
// correlation ID:
//
//	[Type: 1 byte][ID: varint][Payload]
//
// # Usage Example
//
//	codec := protocol.NewCodec(nil)
//	data, err := codec.Marshal(protocol.GeoPoint{Latitude: 37.42, Longitude: -122.08})
//	if err != nil {
//	    return err
//	}
//	v, err := codec.Unmarshal(data)
//
// # File Structure
//
//   - varint.go: Varint encoding/decoding
//   - encoder.go: Binary encoder
//   - decoder.go: Binary decoder and allocation limits
//   - value.go: Tags, value types and the tagged value codec
//   - envelope.go: Method call and reply envelopes, remote errors
//   - frame.go: Frame types
package protocol
