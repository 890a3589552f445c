package stacks

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"
)

// Clarity value type tags of the consensus serialization.
const (
	tagInt               = 0x00
	tagUInt              = 0x01
	tagBuffer            = 0x02
	tagBoolTrue          = 0x03
	tagBoolFalse         = 0x04
	tagStandardPrincipal = 0x05
	tagContractPrincipal = 0x06
	tagResponseOk        = 0x07
	tagResponseErr       = 0x08
	tagOptionalNone      = 0x09
	tagOptionalSome      = 0x0a
	tagList              = 0x0b
	tagTuple             = 0x0c
	tagStringASCII       = 0x0d
	tagStringUTF8        = 0x0e
)

// maxValueDepth bounds decoder recursion over nested values.
const maxValueDepth = 64

// Value is a Clarity value. Implementations cover every consensus type tag,
// so arbitrary contract event payloads round-trip through the codec.
type Value interface {
	writeTo(b *bytes.Buffer) error
}

type (
	// Int is a signed 128-bit integer, kept in its two's-complement wire form.
	Int struct{ Raw [16]byte }
	// UInt is an unsigned 128-bit integer.
	UInt struct{ U Uint }
	// Buffer is an opaque byte string.
	Buffer []byte
	// Bool is a Clarity boolean.
	Bool bool
	// PrincipalValue is a standard or contract principal.
	PrincipalValue Principal
	// ResponseOk wraps the value of an (ok ...) response.
	ResponseOk struct{ Value Value }
	// ResponseErr wraps the value of an (err ...) response.
	ResponseErr struct{ Value Value }
	// None is the empty optional.
	None struct{}
	// Some wraps the value of a present optional.
	Some struct{ Value Value }
	// List is an ordered sequence of values.
	List []Value
	// Tuple maps Clarity names to values. Serialization orders keys
	// lexicographically, matching the consensus form.
	Tuple map[string]Value
	// StringASCII is a Clarity ASCII string.
	StringASCII string
	// StringUTF8 is a Clarity UTF-8 string.
	StringUTF8 string
)

// UIntOf is shorthand for a UInt of a small value.
func UIntOf(v uint64) UInt { return UInt{NewUint(v)} }

// OptionalBuffer wraps b as (some buffer) or none when b is empty.
func OptionalBuffer(b []byte) Value {
	if len(b) == 0 {
		return None{}
	}
	return Some{Buffer(b)}
}

// OptionalUint wraps u as (some uint) or none when u is nil.
func OptionalUint(u *Uint) Value {
	if u == nil {
		return None{}
	}
	return Some{UInt{*u}}
}

// OptionalPrincipal wraps p as (some principal) or none when p is nil.
func OptionalPrincipal(p *Principal) Value {
	if p == nil {
		return None{}
	}
	return Some{PrincipalValue(*p)}
}

// EncodeValue serializes a value to its consensus byte form.
func EncodeValue(v Value) ([]byte, error) {
	var b bytes.Buffer
	if err := v.writeTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeValueHex serializes a value to a 0x-prefixed hex string, the form
// exchanged with stacks-node APIs.
func EncodeValueHex(v Value) (string, error) {
	var raw, err = EncodeValue(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(raw), nil
}

// DecodeValue deserializes a single value, requiring that it consume the
// entire input.
func DecodeValue(raw []byte) (Value, error) {
	var r = valueReader{buf: raw}
	var v, err = r.readValue(0)
	if err != nil {
		return nil, err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("trailing garbage after value at offset %d", r.off)
	}
	return v, nil
}

// DecodeValueHex deserializes a value from an optionally 0x-prefixed
// hex string.
func DecodeValueHex(s string) (Value, error) {
	s = strings.TrimPrefix(s, "0x")
	var raw, err = hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding value hex: %w", err)
	}
	return DecodeValue(raw)
}

func (v Int) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagInt)
	b.Write(v.Raw[:])
	return nil
}

func (v UInt) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagUInt)
	var raw = v.U.bytes16()
	b.Write(raw[:])
	return nil
}

func (v Buffer) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagBuffer)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	b.Write(n[:])
	b.Write(v)
	return nil
}

func (v Bool) writeTo(b *bytes.Buffer) error {
	if v {
		b.WriteByte(tagBoolTrue)
	} else {
		b.WriteByte(tagBoolFalse)
	}
	return nil
}

func (v PrincipalValue) writeTo(b *bytes.Buffer) error {
	if v.Contract == "" {
		b.WriteByte(tagStandardPrincipal)
		b.WriteByte(v.Version)
		b.Write(v.Hash160[:])
		return nil
	}
	if err := validateContractName(v.Contract); err != nil {
		return err
	}
	b.WriteByte(tagContractPrincipal)
	b.WriteByte(v.Version)
	b.Write(v.Hash160[:])
	b.WriteByte(byte(len(v.Contract)))
	b.WriteString(v.Contract)
	return nil
}

func (v ResponseOk) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagResponseOk)
	return v.Value.writeTo(b)
}

func (v ResponseErr) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagResponseErr)
	return v.Value.writeTo(b)
}

func (v None) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagOptionalNone)
	return nil
}

func (v Some) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagOptionalSome)
	return v.Value.writeTo(b)
}

func (v List) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagList)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	b.Write(n[:])
	for _, item := range v {
		if err := item.writeTo(b); err != nil {
			return err
		}
	}
	return nil
}

func (v Tuple) writeTo(b *bytes.Buffer) error {
	b.WriteByte(tagTuple)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	b.Write(n[:])

	var keys = make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := validateClarityName(k); err != nil {
			return err
		}
		b.WriteByte(byte(len(k)))
		b.WriteString(k)
		if err := v[k].writeTo(b); err != nil {
			return err
		}
	}
	return nil
}

func (v StringASCII) writeTo(b *bytes.Buffer) error {
	for i := 0; i < len(v); i++ {
		if v[i] > 127 {
			return fmt.Errorf("string %q is not ASCII", string(v))
		}
	}
	b.WriteByte(tagStringASCII)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	b.Write(n[:])
	b.WriteString(string(v))
	return nil
}

func (v StringUTF8) writeTo(b *bytes.Buffer) error {
	if !utf8.ValidString(string(v)) {
		return fmt.Errorf("string is not valid UTF-8")
	}
	b.WriteByte(tagStringUTF8)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	b.Write(n[:])
	b.WriteString(string(v))
	return nil
}

// String renders Int via two's-complement interpretation, for logs only.
func (v Int) String() string {
	var i = new(big.Int).SetBytes(v.Raw[:])
	if v.Raw[0]&0x80 != 0 {
		var wrap = new(big.Int).Lsh(big.NewInt(1), 128)
		i.Sub(i, wrap)
	}
	return i.String()
}

type valueReader struct {
	buf []byte
	off int
}

func (r *valueReader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("value truncated at offset %d (want %d bytes, have %d)",
			r.off, n, len(r.buf)-r.off)
	}
	var out = r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *valueReader) takeByte() (byte, error) {
	var b, err = r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *valueReader) takeUint32() (uint32, error) {
	var b, err = r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *valueReader) readValue(depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("value nesting exceeds depth %d", maxValueDepth)
	}
	var tag, err = r.takeByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagInt:
		var raw, err = r.take(16)
		if err != nil {
			return nil, err
		}
		var v Int
		copy(v.Raw[:], raw)
		return v, nil

	case tagUInt:
		var raw, err = r.take(16)
		if err != nil {
			return nil, err
		}
		return UInt{uintFromBytes16(raw)}, nil

	case tagBuffer:
		var n, err = r.takeUint32()
		if err != nil {
			return nil, err
		}
		raw, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return Buffer(append([]byte{}, raw...)), nil

	case tagBoolTrue:
		return Bool(true), nil
	case tagBoolFalse:
		return Bool(false), nil

	case tagStandardPrincipal, tagContractPrincipal:
		var raw, err = r.take(21)
		if err != nil {
			return nil, err
		}
		var p = Principal{Version: raw[0]}
		copy(p.Hash160[:], raw[1:])
		if tag == tagContractPrincipal {
			var n, err = r.takeByte()
			if err != nil {
				return nil, err
			}
			name, err := r.take(int(n))
			if err != nil {
				return nil, err
			}
			p.Contract = string(name)
			if err = validateContractName(p.Contract); err != nil {
				return nil, err
			}
		}
		return PrincipalValue(p), nil

	case tagResponseOk, tagResponseErr:
		var inner, err = r.readValue(depth + 1)
		if err != nil {
			return nil, err
		}
		if tag == tagResponseOk {
			return ResponseOk{inner}, nil
		}
		return ResponseErr{inner}, nil

	case tagOptionalNone:
		return None{}, nil

	case tagOptionalSome:
		var inner, err = r.readValue(depth + 1)
		if err != nil {
			return nil, err
		}
		return Some{inner}, nil

	case tagList:
		var n, err = r.takeUint32()
		if err != nil {
			return nil, err
		}
		if int(n) > len(r.buf)-r.off {
			return nil, fmt.Errorf("list length %d exceeds remaining input", n)
		}
		var list = make(List, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := r.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil

	case tagTuple:
		var n, err = r.takeUint32()
		if err != nil {
			return nil, err
		}
		if int(n) > len(r.buf)-r.off {
			return nil, fmt.Errorf("tuple length %d exceeds remaining input", n)
		}
		var t = make(Tuple, n)
		for i := uint32(0); i < n; i++ {
			kn, err := r.takeByte()
			if err != nil {
				return nil, err
			}
			key, err := r.take(int(kn))
			if err != nil {
				return nil, err
			}
			val, err := r.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			t[string(key)] = val
		}
		return t, nil

	case tagStringASCII:
		var n, err = r.takeUint32()
		if err != nil {
			return nil, err
		}
		raw, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return StringASCII(raw), nil

	case tagStringUTF8:
		var n, err = r.takeUint32()
		if err != nil {
			return nil, err
		}
		raw, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return StringUTF8(raw), nil

	default:
		return nil, fmt.Errorf("unknown value type tag 0x%02x at offset %d", tag, r.off-1)
	}
}

// Typed tuple accessors used when mapping decoded contract events.

// GetASCII returns the named field as an ASCII string.
func (v Tuple) GetASCII(key string) (string, error) {
	var f, ok = v[key]
	if !ok {
		return "", fmt.Errorf("tuple field %q is missing", key)
	}
	s, ok := f.(StringASCII)
	if !ok {
		return "", fmt.Errorf("tuple field %q is not a string-ascii", key)
	}
	return string(s), nil
}

// GetUint returns the named field as a Uint.
func (v Tuple) GetUint(key string) (Uint, error) {
	var f, ok = v[key]
	if !ok {
		return Uint{}, fmt.Errorf("tuple field %q is missing", key)
	}
	u, ok := f.(UInt)
	if !ok {
		return Uint{}, fmt.Errorf("tuple field %q is not a uint", key)
	}
	return u.U, nil
}

// GetPrincipal returns the named field as a Principal.
func (v Tuple) GetPrincipal(key string) (Principal, error) {
	var f, ok = v[key]
	if !ok {
		return Principal{}, fmt.Errorf("tuple field %q is missing", key)
	}
	p, ok := f.(PrincipalValue)
	if !ok {
		return Principal{}, fmt.Errorf("tuple field %q is not a principal", key)
	}
	return Principal(p), nil
}

// GetTuple returns the named field as a nested tuple.
func (v Tuple) GetTuple(key string) (Tuple, error) {
	var f, ok = v[key]
	if !ok {
		return nil, fmt.Errorf("tuple field %q is missing", key)
	}
	t, ok := f.(Tuple)
	if !ok {
		return nil, fmt.Errorf("tuple field %q is not a tuple", key)
	}
	return t, nil
}

// GetBuffer returns the named field as a byte buffer.
func (v Tuple) GetBuffer(key string) ([]byte, error) {
	var f, ok = v[key]
	if !ok {
		return nil, fmt.Errorf("tuple field %q is missing", key)
	}
	b, ok := f.(Buffer)
	if !ok {
		return nil, fmt.Errorf("tuple field %q is not a buffer", key)
	}
	return b, nil
}

// GetOptUint returns the named optional uint field, or nil for none.
func (v Tuple) GetOptUint(key string) (*Uint, error) {
	var inner, err = v.unwrapOptional(key)
	if inner == nil || err != nil {
		return nil, err
	}
	u, ok := inner.(UInt)
	if !ok {
		return nil, fmt.Errorf("tuple field %q is not an optional uint", key)
	}
	return &u.U, nil
}

// GetOptPrincipal returns the named optional principal field, or nil for none.
func (v Tuple) GetOptPrincipal(key string) (*Principal, error) {
	var inner, err = v.unwrapOptional(key)
	if inner == nil || err != nil {
		return nil, err
	}
	pv, ok := inner.(PrincipalValue)
	if !ok {
		return nil, fmt.Errorf("tuple field %q is not an optional principal", key)
	}
	var p = Principal(pv)
	return &p, nil
}

// GetOptBuffer returns the named optional buffer field, or nil for none.
func (v Tuple) GetOptBuffer(key string) ([]byte, error) {
	var inner, err = v.unwrapOptional(key)
	if inner == nil || err != nil {
		return nil, err
	}
	b, ok := inner.(Buffer)
	if !ok {
		return nil, fmt.Errorf("tuple field %q is not an optional buffer", key)
	}
	return b, nil
}

func (v Tuple) unwrapOptional(key string) (Value, error) {
	var f, ok = v[key]
	if !ok {
		return nil, fmt.Errorf("tuple field %q is missing", key)
	}
	switch f := f.(type) {
	case None:
		return nil, nil
	case Some:
		return f.Value, nil
	default:
		return nil, fmt.Errorf("tuple field %q is not an optional", key)
	}
}
