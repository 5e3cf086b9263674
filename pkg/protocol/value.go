package protocol

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Tag is the one-byte discriminant that precedes every encoded value.
type Tag byte

// Base tags. All base tags sit below 128 so they can never collide with
// the extension range.
const (
	TagNil    Tag = 0
	TagTrue   Tag = 1
	TagFalse  Tag = 2
	TagInt    Tag = 3 // zigzag varint
	TagFloat  Tag = 4 // 8-byte IEEE 754
	TagString Tag = 5 // length-prefixed UTF-8
	TagBytes  Tag = 6 // length-prefixed bytes
	TagList   Tag = 7 // count + values
	TagMap    Tag = 8 // count + (string key, value) pairs
)

// Extension tags for document-store values.
const (
	TagTimestamp         Tag = 128 // int64 milliseconds since the Unix epoch, UTC
	TagGeoPoint          Tag = 129 // float64 latitude, float64 longitude
	TagDocumentReference Tag = 130 // length-prefixed path
)

// String returns the string representation of the tag.
func (t Tag) String() string {
	switch t {
	case TagNil:
		return "Nil"
	case TagTrue:
		return "True"
	case TagFalse:
		return "False"
	case TagInt:
		return "Int"
	case TagFloat:
		return "Float"
	case TagString:
		return "String"
	case TagBytes:
		return "Bytes"
	case TagList:
		return "List"
	case TagMap:
		return "Map"
	case TagTimestamp:
		return "Timestamp"
	case TagGeoPoint:
		return "GeoPoint"
	case TagDocumentReference:
		return "DocumentReference"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// IsBaseTag reports whether t is one of the built-in value tags.
func IsBaseTag(t Tag) bool {
	return t <= TagMap
}

// IsExtensionTag reports whether t is one of the document-store extension tags.
func IsExtensionTag(t Tag) bool {
	return t >= TagTimestamp && t <= TagDocumentReference
}

// Value codec errors.
var (
	// ErrMalformed reports a truncated or corrupt payload for a recognized tag.
	ErrMalformed = errors.New("protocol: malformed value")

	// ErrUnknownTag reports a tag that is neither a base nor an extension tag.
	ErrUnknownTag = errors.New("protocol: unknown tag")

	// ErrUnsupportedType reports a Go value the codec cannot encode.
	ErrUnsupportedType = errors.New("protocol: unsupported value type")
)

// GeoPoint is an immutable latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// String returns the point as "(lat, lon)".
func (g GeoPoint) String() string {
	return fmt.Sprintf("(%v, %v)", g.Latitude, g.Longitude)
}

// DocumentReference is anything that names a document by its slash-delimited path.
type DocumentReference interface {
	Path() string
}

// DocumentPath is the plain DocumentReference produced when no resolver is configured.
type DocumentPath string

// Path returns the path.
func (p DocumentPath) Path() string { return string(p) }

// PathResolver turns a decoded path back into a live reference object.
type PathResolver interface {
	Resolve(path string) (DocumentReference, error)
}

// PathResolverFunc adapts a function to PathResolver.
type PathResolverFunc func(path string) (DocumentReference, error)

// Resolve calls f(path).
func (f PathResolverFunc) Resolve(path string) (DocumentReference, error) {
	return f(path)
}

// Codec encodes and decodes tagged values. The zero value is usable and
// decodes document references to DocumentPath.
type Codec struct {
	Resolver PathResolver
}

// NewCodec returns a codec that resolves document references through r.
func NewCodec(r PathResolver) *Codec {
	return &Codec{Resolver: r}
}

// Marshal encodes v as a single tagged value.
func (c *Codec) Marshal(v any) ([]byte, error) {
	e := NewEncoder()
	if err := c.EncodeValue(e, v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Unmarshal decodes exactly one tagged value from data.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)
	v, err := c.DecodeValue(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, d.Remaining())
	}
	return v, nil
}

// EncodeValue appends the tagged encoding of v.
func (c *Codec) EncodeValue(e *Encoder, v any) error {
	return c.encode(e, v, 0)
}

func (c *Codec) encode(e *Encoder, v any, depth int) error {
	if depth > MaxValueDepth {
		return ErrMaxDepthExceeded
	}
	switch x := v.(type) {
	case nil:
		e.WriteByte(byte(TagNil))
	case bool:
		if x {
			e.WriteByte(byte(TagTrue))
		} else {
			e.WriteByte(byte(TagFalse))
		}
	case int:
		writeInt(e, int64(x))
	case int8:
		writeInt(e, int64(x))
	case int16:
		writeInt(e, int64(x))
	case int32:
		writeInt(e, int64(x))
	case int64:
		writeInt(e, x)
	case uint8:
		writeInt(e, int64(x))
	case uint16:
		writeInt(e, int64(x))
	case uint32:
		writeInt(e, int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return fmt.Errorf("%w: uint %d overflows int64", ErrUnsupportedType, x)
		}
		writeInt(e, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupportedType, x)
		}
		writeInt(e, int64(x))
	case float32:
		e.WriteByte(byte(TagFloat))
		e.WriteFloat64(float64(x))
	case float64:
		e.WriteByte(byte(TagFloat))
		e.WriteFloat64(x)
	case string:
		e.WriteByte(byte(TagString))
		e.WriteString(x)
	case []byte:
		e.WriteByte(byte(TagBytes))
		e.WriteLenBytes(x)
	case time.Time:
		e.WriteByte(byte(TagTimestamp))
		e.WriteInt64(x.UnixMilli())
	case *time.Time:
		if x == nil {
			e.WriteByte(byte(TagNil))
			return nil
		}
		e.WriteByte(byte(TagTimestamp))
		e.WriteInt64(x.UnixMilli())
	case GeoPoint:
		e.WriteByte(byte(TagGeoPoint))
		e.WriteFloat64(x.Latitude)
		e.WriteFloat64(x.Longitude)
	case *GeoPoint:
		if x == nil {
			e.WriteByte(byte(TagNil))
			return nil
		}
		return c.encode(e, *x, depth)
	case DocumentReference:
		if isNilPointer(x) {
			e.WriteByte(byte(TagNil))
			return nil
		}
		path, err := referencePath(x)
		if err != nil {
			return err
		}
		e.WriteByte(byte(TagDocumentReference))
		e.WriteString(path)
	case []any:
		e.WriteByte(byte(TagList))
		e.WriteUvarint(uint64(len(x)))
		for _, item := range x {
			if err := c.encode(e, item, depth+1); err != nil {
				return err
			}
		}
	case []string:
		e.WriteByte(byte(TagList))
		e.WriteUvarint(uint64(len(x)))
		for _, item := range x {
			e.WriteByte(byte(TagString))
			e.WriteString(item)
		}
	case []int64:
		e.WriteByte(byte(TagList))
		e.WriteUvarint(uint64(len(x)))
		for _, item := range x {
			writeInt(e, item)
		}
	case []float64:
		e.WriteByte(byte(TagList))
		e.WriteUvarint(uint64(len(x)))
		for _, item := range x {
			e.WriteByte(byte(TagFloat))
			e.WriteFloat64(item)
		}
	case []map[string]any:
		e.WriteByte(byte(TagList))
		e.WriteUvarint(uint64(len(x)))
		for _, item := range x {
			if err := c.encode(e, item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		e.WriteByte(byte(TagMap))
		e.WriteUvarint(uint64(len(x)))
		for k, item := range x {
			e.WriteString(k)
			if err := c.encode(e, item, depth+1); err != nil {
				return err
			}
		}
	case map[string]string:
		e.WriteByte(byte(TagMap))
		e.WriteUvarint(uint64(len(x)))
		for k, item := range x {
			e.WriteString(k)
			e.WriteByte(byte(TagString))
			e.WriteString(item)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// isNilPointer reports whether ref holds a typed nil pointer, such as a nil
// *DocumentPath, whose Path method would panic.
func isNilPointer(ref DocumentReference) bool {
	v := reflect.ValueOf(ref)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// referencePath calls ref.Path, turning a panic in a caller-supplied
// reference type into an error.
func referencePath(ref DocumentReference) (path string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %T.Path panicked: %v", ErrUnsupportedType, ref, p)
		}
	}()
	return ref.Path(), nil
}

func writeInt(e *Encoder, v int64) {
	e.WriteByte(byte(TagInt))
	e.WriteSvarint(v)
}

// DecodeValue reads one tagged value from d.
func (c *Codec) DecodeValue(d *Decoder) (any, error) {
	return c.decode(d, 0)
}

func (c *Codec) decode(d *Decoder, depth int) (any, error) {
	if depth > MaxValueDepth {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrMaxDepthExceeded)
	}
	offset := d.Position()
	b, err := d.ReadByte()
	if err != nil {
		return nil, malformed(TagNil, offset, err)
	}
	tag := Tag(b)

	switch tag {
	case TagNil:
		return nil, nil
	case TagTrue:
		return true, nil
	case TagFalse:
		return false, nil
	case TagInt:
		v, err := d.ReadSvarint()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return v, nil
	case TagFloat:
		v, err := d.ReadFloat64()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return v, nil
	case TagString:
		v, err := d.ReadString()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return v, nil
	case TagBytes:
		v, err := d.ReadLenBytes()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return v, nil
	case TagList:
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		list := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := c.decode(d, depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case TagMap:
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := d.ReadString()
			if err != nil {
				return nil, malformed(tag, offset, err)
			}
			item, err := c.decode(d, depth+1)
			if err != nil {
				return nil, err
			}
			m[k] = item
		}
		return m, nil
	case TagTimestamp:
		ms, err := d.ReadInt64()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case TagGeoPoint:
		lat, err := d.ReadFloat64()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		lon, err := d.ReadFloat64()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return GeoPoint{Latitude: lat, Longitude: lon}, nil
	case TagDocumentReference:
		path, err := d.ReadString()
		if err != nil {
			return nil, malformed(tag, offset, err)
		}
		return c.resolve(path)
	default:
		return nil, fmt.Errorf("%w: %d at offset %d", ErrUnknownTag, b, offset)
	}
}

func (c *Codec) resolve(path string) (DocumentReference, error) {
	if c == nil || c.Resolver == nil {
		return DocumentPath(path), nil
	}
	ref, err := c.Resolver.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("protocol: resolve %q: %w", path, err)
	}
	return ref, nil
}

func malformed(tag Tag, offset int, err error) error {
	return fmt.Errorf("%w: %s at offset %d: %v", ErrMalformed, tag, offset, err)
}
