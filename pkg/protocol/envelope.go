package protocol

import (
	"errors"
	"fmt"
)

// MethodCall is one method name plus one argument value.
//
// Wire format:
//
//	[Method: len-prefixed string][Argument: tagged value]
type MethodCall struct {
	Method    string
	Arguments any
}

// Arg returns the named argument when Arguments is a string-keyed map.
func (mc *MethodCall) Arg(name string) (any, bool) {
	m, ok := mc.Arguments.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

// EncodeMethodCall encodes a method call envelope.
func (c *Codec) EncodeMethodCall(mc *MethodCall) ([]byte, error) {
	e := NewEncoder()
	e.WriteString(mc.Method)
	if err := c.EncodeValue(e, mc.Arguments); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeMethodCall decodes a method call envelope.
func (c *Codec) DecodeMethodCall(data []byte) (*MethodCall, error) {
	d := NewDecoder(data)
	method, err := d.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: method name: %v", ErrMalformed, err)
	}
	args, err := c.DecodeValue(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, d.Remaining(), method)
	}
	return &MethodCall{Method: method, Arguments: args}, nil
}

// Reply envelope status bytes.
const (
	replySuccess byte = 0x00
	replyError   byte = 0x01
)

// Well-known remote error codes.
const (
	CodeMalformed     = "malformed"
	CodeUnimplemented = "unimplemented"
	CodeInternal      = "internal"
	CodeNotFound      = "not-found"
	CodeAborted       = "aborted"
	CodeDeadline      = "deadline-exceeded"
	CodeInvalidArg    = "invalid-argument"
)

// RemoteError is a failure reported by the other end of the channel.
type RemoteError struct {
	Code    string
	Message string
	Details any
}

// Error implements the error interface.
func (re *RemoteError) Error() string {
	if re.Message == "" {
		return "remote: " + re.Code
	}
	return "remote: " + re.Code + ": " + re.Message
}

// NewRemoteError creates a RemoteError without details.
func NewRemoteError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// AsRemoteError converts err into a RemoteError suitable for the wire.
// Errors that already are (or wrap) a RemoteError keep their code.
func AsRemoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownTag) {
		return &RemoteError{Code: CodeMalformed, Message: err.Error()}
	}
	return &RemoteError{Code: CodeInternal, Message: err.Error()}
}

// EncodeSuccess encodes a success reply carrying result.
func (c *Codec) EncodeSuccess(result any) ([]byte, error) {
	e := NewEncoder()
	e.WriteByte(replySuccess)
	if err := c.EncodeValue(e, result); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// EncodeError encodes an error reply. Details that cannot be encoded are dropped.
func (c *Codec) EncodeError(re *RemoteError) []byte {
	e := NewEncoder()
	e.WriteByte(replyError)
	e.WriteString(re.Code)
	e.WriteString(re.Message)
	mark := e.Len()
	if err := c.EncodeValue(e, re.Details); err != nil {
		e.buf = e.buf[:mark]
		e.WriteByte(byte(TagNil))
	}
	return e.Bytes()
}

// DecodeReply decodes a reply envelope. A well-formed error reply is
// returned as a *RemoteError.
func (c *Codec) DecodeReply(data []byte) (any, error) {
	d := NewDecoder(data)
	status, err := d.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformed)
	}
	switch status {
	case replySuccess:
		v, err := c.DecodeValue(d)
		if err != nil {
			return nil, err
		}
		return v, nil
	case replyError:
		code, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformed, err)
		}
		message, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: error message: %v", ErrMalformed, err)
		}
		details, err := c.DecodeValue(d)
		if err != nil {
			return nil, err
		}
		return nil, &RemoteError{Code: code, Message: message, Details: details}
	default:
		return nil, fmt.Errorf("%w: reply status 0x%02x", ErrMalformed, status)
	}
}
