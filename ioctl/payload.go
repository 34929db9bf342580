// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ioctl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"
)

// Payload holds the binary image of a command-specific structure exactly as the
// driver expects it: little-endian, without implicit padding. Structures that are
// not __packed in the kernel headers spell out their padding as blank fields.
//
// The buffer is heap allocated and owned by the caller except during the ioctl it
// is passed to. It must not be shared between concurrent calls.
type Payload[T any] struct {
	value *T
	buf   []byte
}

// Pack serializes v into a new payload buffer
func Pack[T any](v *T) (*Payload[T], error) {
	if v == nil {
		return nil, errors.New("internal error: payload value is nil")
	}
	n := binary.Size(v)
	if n < 0 {
		return nil, fmt.Errorf("payload type %T has no fixed size", v)
	}

	p := &Payload[T]{value: v}
	if n == 0 {
		return p, nil
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if err := binary.Write(b, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("failed to pack payload %T: %w", v, err)
	}
	p.buf = b.Bytes()

	return p, nil
}

// Value returns the structure backing the payload
func (p *Payload[T]) Value() *T {
	return p.value
}

// Len returns the size of the binary image in bytes
func (p *Payload[T]) Len() int {
	return len(p.buf)
}

// Bytes returns the binary image as currently held in the buffer
func (p *Payload[T]) Bytes() []byte {
	return p.buf
}

// Pointer returns the address of the binary image, or nil for empty payloads
func (p *Payload[T]) Pointer() unsafe.Pointer {
	if len(p.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&p.buf[0])
}

// Addr pins the binary image with pinner and returns its address as stored in
// the u64 data fields of the driver command structures
func (p *Payload[T]) Addr(pinner *runtime.Pinner) uint64 {
	return BufferAddr(pinner, p.buf)
}

// Unpack copies the binary image, as possibly modified by the driver, back into
// the structure backing the payload
func (p *Payload[T]) Unpack() error {
	if len(p.buf) == 0 {
		return nil
	}
	if err := binary.Read(bytes.NewReader(p.buf), binary.LittleEndian, p.value); err != nil {
		return fmt.Errorf("failed to unpack payload %T: %w", p.value, err)
	}
	return nil
}

// BufferAddr pins b with p and returns its address as stored in the u64 address
// fields of the driver structures, or zero for an empty slice. The address stays
// valid until p is unpinned, which must not happen before the ioctl returned.
func BufferAddr(p *runtime.Pinner, b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	p.Pin(&b[0])
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
