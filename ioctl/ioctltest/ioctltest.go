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

// Package ioctltest provides a scriptable stand-in for the SEV/SNP kernel drivers.
// A Driver implements ioctl.Issuer, so commands issued on it never reach the kernel.
package ioctltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"golang.org/x/sys/unix"
)

// Handler emulates the driver side of one ioctl request. The argument points to
// the caller's command structure.
type Handler func(arg unsafe.Pointer) (int, unix.Errno)

// Driver dispatches ioctls to handlers registered per request number. Unknown
// requests fail with EINVAL, as the psp and sev-guest drivers do.
type Driver struct {
	mu       sync.Mutex
	fd       uintptr
	closed   bool
	handlers map[ioc.Request]Handler
	calls    []ioc.Request
}

// NewDriver returns a driver double answering on the given pseudo file descriptor
func NewDriver(fd uintptr) *Driver {
	return &Driver{
		fd:       fd,
		handlers: make(map[ioc.Request]Handler),
	}
}

// Handle registers h for req, replacing any earlier handler
func (d *Driver) Handle(req ioc.Request, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[req] = h
}

// Close makes every further ioctl fail with EBADF
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Calls returns the request numbers received so far
func (d *Driver) Calls() []ioc.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ioc.Request(nil), d.calls...)
}

// Fd returns the pseudo file descriptor of the driver
func (d *Driver) Fd() uintptr {
	return d.fd
}

// Ioctl implements ioctl.Issuer
func (d *Driver) Ioctl(req ioc.Request, arg unsafe.Pointer) (int, unix.Errno) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	closed := d.closed
	h, ok := d.handlers[req]
	d.mu.Unlock()

	if closed {
		return -1, unix.EBADF
	}
	if !ok {
		return -1, unix.EINVAL
	}
	if arg == nil && req.Size() != 0 {
		return -1, unix.EFAULT
	}
	return h(arg)
}

// Memory returns n bytes of caller memory at p, as the driver would access it
// through copy_from_user and copy_to_user
func Memory(p unsafe.Pointer, n int) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

// Addr converts an address stored in a u64 field of a driver structure back
// into a pointer
func Addr(a uint64) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&a))
}

// Load decodes the structure at p into v
func Load(p unsafe.Pointer, v any) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("type %T has no fixed size", v)
	}
	if p == nil {
		return fmt.Errorf("nil pointer for %T", v)
	}
	return binary.Read(bytes.NewReader(Memory(p, n)), binary.LittleEndian, v)
}

// Store encodes v into the memory at p
func Store(p unsafe.Pointer, v any) error {
	if p == nil {
		return fmt.Errorf("nil pointer for %T", v)
	}
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, v); err != nil {
		return err
	}
	copy(Memory(p, b.Len()), b.Bytes())
	return nil
}
