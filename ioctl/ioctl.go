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

// Package ioctl issues ioctl(2) calls to the AMD SEV/SNP drivers and translates the
// two-level driver result, the system call outcome and the firmware error code the
// driver writes back, into a single error value.
package ioctl

import (
	"runtime"
	"unsafe"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("service", "ioctl")

var doSyscall = func(trap, a1, a2, a3 uintptr) (r1, r2 uintptr, err unix.Errno) {
	return unix.Syscall(trap, a1, a2, a3)
}

// Handle is an open SEV, SEV guest or KVM device node. The handle is owned by the
// caller; this package never opens or closes it. *os.File implements Handle.
type Handle interface {
	Fd() uintptr
}

// Issuer is a Handle that delivers ioctls itself instead of through the kernel,
// e.g. a driver double in tests.
type Issuer interface {
	Handle
	Ioctl(req ioc.Request, arg unsafe.Pointer) (int, unix.Errno)
}

// Fd wraps a raw file descriptor as a Handle
type Fd int

// Fd returns the file descriptor
func (fd Fd) Fd() uintptr {
	return uintptr(fd)
}

// Ioctl performs exactly one ioctl(2) on h. It returns the raw system call return
// value, which is negative on failure, together with the errno of the failed call.
// The memory arg points to is lent to the kernel for the duration of the call only.
func Ioctl(h Handle, req ioc.Request, arg unsafe.Pointer) (int, unix.Errno) {
	if h == nil {
		panic("internal error: ioctl issued on nil handle")
	}

	if issuer, ok := h.(Issuer); ok {
		log.Tracef("Issuing ioctl %v via %T", req, issuer)
		ret, errno := issuer.Ioctl(req, arg)
		log.Tracef("ioctl %v returned %v, errno %v", req, ret, int(errno))
		return ret, errno
	}

	log.Tracef("Issuing ioctl %v on fd %v", req, int(h.Fd()))
	r1, _, errno := doSyscall(unix.SYS_IOCTL, h.Fd(), uintptr(req), uintptr(arg))
	// h may own the fd, e.g. an *os.File closing it when finalized
	runtime.KeepAlive(h)
	ret := int(r1)
	if errno != 0 {
		ret = -1
	}
	log.Tracef("ioctl %v returned %v, errno %v", req, ret, int(errno))

	return ret, errno
}
