package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"unicode/utf16"
)

// All payloads are fixed-layout structs: fixed-width integer fields and
// fixed-size arrays only, serialized little-endian in declaration order.
// Sizes are therefore static per type, which lets the codec reject a body
// whose length disagrees with its tag before any field is interpreted.

// PayloadSize returns the serialized size in bytes of a fixed-layout payload.
// Panics if the type contains a dynamically sized field, since such a type
// can never be registered as a packet payload.
func PayloadSize(payload interface{}) int {
	size := binary.Size(payload)
	if size < 0 {
		panic(fmt.Sprintf("PayloadSize(): %T is not a fixed-layout type", payload))
	}
	return size
}

// BytesFromStruct serializes the fields of a struct to an array of bytes in
// the order in which the fields are declared. Panics if data is not a struct
// or pointer to struct, or if there was an error writing a field.
func BytesFromStruct(data interface{}) []byte {
	val := reflect.ValueOf(data)
	valKind := val.Kind()

	if valKind == reflect.Ptr {
		val = val.Elem()
		valKind = val.Kind()
	}

	if valKind != reflect.Struct {
		panic("BytesFromStruct(): data must be of type struct " +
			"or ptr to struct, got: " + valKind.String())
	}

	convertedBytes := new(bytes.Buffer)
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = binary.Write(convertedBytes, binary.LittleEndian, BytesFromStruct(field.Interface()))
		default:
			err = binary.Write(convertedBytes, binary.LittleEndian, field.Interface())
		}
		if err != nil {
			panic(err.Error())
		}
	}
	return convertedBytes.Bytes()
}

// StructFromBytes populates the struct pointed to by targetStruct by reading
// in a stream of bytes and filling the values in sequential order. The buffer
// length is validated against the struct size before any field is read.
func StructFromBytes(data []byte, targetStruct interface{}) error {
	targetVal := reflect.ValueOf(targetStruct)

	if valKind := targetVal.Kind(); valKind != reflect.Ptr {
		panic("StructFromBytes(): targetStruct must be a " +
			"ptr to struct, got: " + valKind.String())
	}

	if expected := PayloadSize(targetStruct); len(data) < expected {
		return &FrameError{
			Kind:   FrameSizeMismatch,
			Reason: fmt.Sprintf("%T needs %d bytes, got %d", targetStruct, expected, len(data)),
		}
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if err := binary.Read(reader, binary.LittleEndian, field.Addr().Interface()); err != nil {
			return &FrameError{Kind: FrameSizeMismatch, Reason: err.Error()}
		}
	}
	return nil
}

// EncodeUTF16 converts a UTF-8 string into a fixed-size UTF-16 buffer of the
// kind embedded in packet payloads. Text longer than the buffer is truncated,
// always leaving room for the NUL terminator.
func EncodeUTF16(str string, size int) []uint16 {
	buf := make([]uint16, size)
	encoded := utf16.Encode(bytes.Runes([]byte(str)))
	if len(encoded) > size-1 {
		encoded = encoded[:size-1]
	}
	copy(buf, encoded)
	return buf
}

// ParseUTF16 decodes a fixed-size UTF-16 text buffer, stopping at the first
// NUL terminator.
func ParseUTF16(buf []uint16) string {
	end := len(buf)
	for i, v := range buf {
		if v == 0 {
			end = i
			break
		}
	}
	return string(utf16.Decode(buf[:end]))
}
