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

// Package ioc computes Linux ioctl request numbers the way the _IO, _IOR, _IOW and
// _IOWR macros of include/uapi/asm-generic/ioctl.h do.
package ioc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Bit layout of an ioctl request number on x86-64
const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14
	dirBits  = 2

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	nrMask   = (1 << nrBits) - 1
	typeMask = (1 << typeBits) - 1
	sizeMask = (1 << sizeBits) - 1
	dirMask  = (1 << dirBits) - 1

	// MaxSize is the largest argument size an ioctl request number can describe
	MaxSize = sizeMask
)

// Dir is the data transfer direction of an ioctl, seen from user space
type Dir uint32

const (
	None      Dir = 0
	Write     Dir = 1
	Read      Dir = 2
	WriteRead Dir = Write | Read
)

func (d Dir) String() string {
	switch d {
	case None:
		return "_IO"
	case Write:
		return "_IOW"
	case Read:
		return "_IOR"
	case WriteRead:
		return "_IOWR"
	default:
		return fmt.Sprintf("Dir(%d)", uint32(d))
	}
}

// Request is an encoded ioctl request number
type Request uint32

// New encodes an ioctl request number from its components
func New(dir Dir, group Group, nr uint8, size uint32) (Request, error) {
	if dir > dirMask {
		return 0, fmt.Errorf("invalid ioctl direction %v", uint32(dir))
	}
	if size > MaxSize {
		return 0, fmt.Errorf("ioctl argument size %v exceeds maximum %v", size, MaxSize)
	}
	return Request(uint32(dir)<<dirShift |
		size<<sizeShift |
		uint32(group)<<typeShift |
		uint32(nr)<<nrShift), nil
}

// Dir returns the direction bits of the request
func (r Request) Dir() Dir {
	return Dir((uint32(r) >> dirShift) & dirMask)
}

// Type returns the ioctl group (magic) of the request
func (r Request) Type() Group {
	return Group((uint32(r) >> typeShift) & typeMask)
}

// Nr returns the sequence number of the request within its group
func (r Request) Nr() uint8 {
	return uint8((uint32(r) >> nrShift) & nrMask)
}

// Size returns the argument size encoded into the request
func (r Request) Size() uint32 {
	return (uint32(r) >> sizeShift) & sizeMask
}

func (r Request) String() string {
	if r.Dir() == None {
		return fmt.Sprintf("%v(%v, 0x%02x)", r.Dir(), r.Type(), r.Nr())
	}
	return fmt.Sprintf("%v(%v, 0x%02x, %d)", r.Dir(), r.Type(), r.Nr(), r.Size())
}

// Parse reads a request number given in hexadecimal (0x prefix), octal or decimal notation
func Parse(s string) (Request, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ioctl request %q: %w", s, err)
	}
	return Request(v), nil
}

// Group is the ioctl type field, usually a character unique to one driver
type Group uint8

func (g Group) String() string {
	if g >= 0x20 && g < 0x7f {
		return fmt.Sprintf("'%c'", rune(g))
	}
	return fmt.Sprintf("0x%02X", uint8(g))
}

// None returns the request number of an ioctl without an argument
func (g Group) None(nr uint8) Request {
	return g.must(None, nr, 0)
}

// Read returns the request number of an ioctl the kernel writes its argument for
func (g Group) Read(nr uint8, size uint32) Request {
	return g.must(Read, nr, size)
}

// Write returns the request number of an ioctl the kernel reads its argument for
func (g Group) Write(nr uint8, size uint32) Request {
	return g.must(Write, nr, size)
}

// WriteRead returns the request number of an ioctl with an in/out argument
func (g Group) WriteRead(nr uint8, size uint32) Request {
	return g.must(WriteRead, nr, size)
}

// Request numbers are fixed by the driver ABI and defined at package initialization,
// an unrepresentable size is a programming error.
func (g Group) must(dir Dir, nr uint8, size uint32) Request {
	r, err := New(dir, g, nr, size)
	if err != nil {
		panic(fmt.Sprintf("internal error: %v", err))
	}
	return r
}

// IOR is the equivalent of _IOR(group, nr, T)
func IOR[T any](g Group, nr uint8) Request {
	return g.Read(nr, Sizeof[T]())
}

// IOW is the equivalent of _IOW(group, nr, T)
func IOW[T any](g Group, nr uint8) Request {
	return g.Write(nr, Sizeof[T]())
}

// IOWR is the equivalent of _IOWR(group, nr, T)
func IOWR[T any](g Group, nr uint8) Request {
	return g.WriteRead(nr, Sizeof[T]())
}

// Sizeof returns the size of the packed binary image of T, which is what the kernel
// sees for structures whose padding is spelled out as blank fields.
func Sizeof[T any]() uint32 {
	var v T
	n := binary.Size(&v)
	if n < 0 {
		panic(fmt.Sprintf("internal error: type %T has no fixed binary size", v))
	}
	return uint32(n)
}
