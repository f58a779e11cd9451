// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package ioctl

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Encode serializes v (a fixed-layout struct from this package) into a
// bit-exact little-endian byte buffer. None of the wire structs use
// strings or slices, so a single encoding/binary call round-trips all of
// them without per-type marshaling code — the same approach the
// retrieval pack's perf-file reference reaches for when it hand-rolls a
// wire struct instead of pulling in an IDL/codegen tool.
func Encode(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, errors.Wrap(err, "ioctl: encode")
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into v, which must be a pointer to a
// fixed-layout struct from this package.
func Decode(data []byte, v any) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return errors.Wrap(err, "ioctl: decode")
	}
	return nil
}

// Size reports the wire-encoded size of v's type, used by the dispatcher
// to validate an output buffer against the expected struct size per
// opcode (spec.md §4.6, §7: undersized output buffers return
// BUFFER_TOO_SMALL).
func Size(v any) int {
	return binary.Size(v)
}

// DecodeEventIDs decodes the num little-endian uint16 event IDs that
// follow an EvtHdr on the wire (spec.md §6: "evt_hdr ... followed by
// `num` u16 event IDs").
func DecodeEventIDs(data []byte, num uint16) ([]uint16, error) {
	want := int(num) * 2
	if len(data) < want {
		return nil, errors.Wrap(ErrBufferTooSmall, "ioctl: event id array")
	}
	ids := make([]uint16, num)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return ids, nil
}

// EncodeEventIDs encodes ids as the little-endian uint16 array that
// trails an EvtHdr on the wire.
func EncodeEventIDs(ids []uint16) []byte {
	out := make([]byte, len(ids)*2)
	for i, id := range ids {
		binary.LittleEndian.PutUint16(out[i*2:], id)
	}
	return out
}
