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
	"errors"
	"io/fs"
	"os"
	"reflect"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl/ioctltest"
	"golang.org/x/sys/unix"
)

var testRequest = ioc.Group('S').WriteRead(0x0, 16)

func TestTranslate(t *testing.T) {
	type args struct {
		ret   int
		errno unix.Errno
		fw    Status
	}
	tests := []struct {
		name       string
		args       args
		wantOs     bool
		wantFw     bool
		wantErrno  unix.Errno
		wantStatus Status
	}{
		{
			name: "Success",
			args: args{ret: 0, errno: 0, fw: Success},
		},
		{
			name:      "OS Error Ignores Zero Firmware Status",
			args:      args{ret: -1, errno: unix.EBADF, fw: Success},
			wantOs:    true,
			wantErrno: unix.EBADF,
		},
		{
			name:      "OS Error Ignores Firmware Status",
			args:      args{ret: -1, errno: unix.EIO, fw: InvalidPlatformState},
			wantOs:    true,
			wantErrno: unix.EIO,
		},
		{
			name:      "OS Error Ignores Garbage Firmware Status",
			args:      args{ret: -1, errno: unix.EINVAL, fw: 0xdeadbeef},
			wantOs:    true,
			wantErrno: unix.EINVAL,
		},
		{
			name:      "Negative Return Without Errno",
			args:      args{ret: -1, errno: 0, fw: Success},
			wantOs:    true,
			wantErrno: unix.EIO,
		},
		{
			name:       "Firmware Error",
			args:       args{ret: 0, errno: 0, fw: InvalidPlatformState},
			wantFw:     true,
			wantStatus: InvalidPlatformState,
		},
		{
			name:       "Unknown Firmware Error",
			args:       args{ret: 0, errno: 0, fw: 0x1234},
			wantFw:     true,
			wantStatus: 0x1234,
		},
		{
			name:       "Positive Return With Firmware Error",
			args:       args{ret: 1, errno: 0, fw: InvalidLen},
			wantFw:     true,
			wantStatus: InvalidLen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Translate(testRequest, tt.args.ret, tt.args.errno, tt.args.fw)
			if !tt.wantOs && !tt.wantFw {
				if err != nil {
					t.Fatalf("Translate() = %v, want nil", err)
				}
				return
			}
			if IsOsError(err) != tt.wantOs {
				t.Errorf("IsOsError() = %v, want %v", IsOsError(err), tt.wantOs)
			}
			if IsFirmwareError(err) != tt.wantFw {
				t.Errorf("IsFirmwareError() = %v, want %v", IsFirmwareError(err), tt.wantFw)
			}
			if tt.wantOs {
				errno, _ := ErrnoOf(err)
				if errno != tt.wantErrno {
					t.Errorf("errno = %v, want %v", errno, tt.wantErrno)
				}
				if !errors.Is(err, tt.wantErrno) {
					t.Errorf("errors.Is(%v, %v) = false", err, tt.wantErrno)
				}
			}
			if tt.wantFw {
				status, _ := StatusOf(err)
				if status != tt.wantStatus {
					t.Errorf("status = %v, want %v", status, tt.wantStatus)
				}
			}
		})
	}
}

func TestOsErrorUnwrap(t *testing.T) {
	err := Translate(testRequest, -1, unix.EACCES, Success)
	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("errors.Is(%v, fs.ErrPermission) = false", err)
	}
}

func TestFirmwareErrorMessage(t *testing.T) {
	err := Translate(testRequest, 0, 0, InvalidPlatformState)
	want := "ioctl _IOWR('S', 0x00, 16): firmware error INVALID_PLATFORM_STATE: Invalid platform state"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var fwErr *FirmwareError
	if !errors.As(err, &fwErr) || !fwErr.Known() {
		t.Errorf("expected known firmware error, got %v", err)
	}

	err = Translate(testRequest, 0, 0, 0x99)
	if !errors.As(err, &fwErr) || fwErr.Known() {
		t.Errorf("expected unknown firmware error, got %v", err)
	}
}

func TestIoctlClosedHandle(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %v: %v", os.DevNull, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close %v: %v", os.DevNull, err)
	}

	var buf [16]byte
	ret, errno := Ioctl(f, testRequest, unsafe.Pointer(&buf[0]))
	if ret >= 0 {
		t.Errorf("Ioctl() returned %v, want negative value", ret)
	}
	if errno != unix.EBADF {
		t.Errorf("Ioctl() errno = %v, want EBADF", errno)
	}

	err = Translate(testRequest, ret, errno, InvalidPlatformState)
	if !IsOsError(err) || !errors.Is(err, unix.EBADF) {
		t.Errorf("Translate() = %v, want OS level EBADF", err)
	}
}

func openDevNull(t *testing.T) *os.File {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %v: %v", os.DevNull, err)
	}
	return f
}

func TestIoctlKeepsHandleAlive(t *testing.T) {
	restore := doSyscall
	defer func() { doSyscall = restore }()
	doSyscall = func(trap, a1, a2, a3 uintptr) (uintptr, uintptr, unix.Errno) {
		// Give the finalizer of an unreachable handle the chance to close the fd
		runtime.GC()
		runtime.GC()
		time.Sleep(20 * time.Millisecond)
		return unix.Syscall(trap, a1, a2, a3)
	}

	var buf [16]byte
	ret, errno := Ioctl(openDevNull(t), testRequest, unsafe.Pointer(&buf[0]))
	if ret >= 0 || errno != unix.ENOTTY {
		t.Errorf("Ioctl() = %v, %v, want -1, ENOTTY", ret, errno)
	}
}

func TestBufferAddr(t *testing.T) {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	if got := BufferAddr(&pinner, nil); got != 0 {
		t.Errorf("BufferAddr(nil) = 0x%x, want 0", got)
	}

	var addr, live uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		addr = BufferAddr(&pinner, buf)
		growStack(64)
		live = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}()
	<-done

	if addr != live {
		t.Errorf("BufferAddr() = 0x%x, buffer lives at 0x%x", addr, live)
	}
}

// growStack forces the calling goroutine's stack to be copied
//
//go:noinline
func growStack(n int) byte {
	var frame [1024]byte
	if n == 0 {
		return frame[0]
	}
	return growStack(n-1) + frame[n%len(frame)]
}

func TestIoctlWrongDevice(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %v: %v", os.DevNull, err)
	}
	defer f.Close()

	var buf [16]byte
	ret, errno := Ioctl(f, testRequest, unsafe.Pointer(&buf[0]))
	if ret >= 0 || errno != unix.ENOTTY {
		t.Errorf("Ioctl() = %v, %v, want -1, ENOTTY", ret, errno)
	}
}

func TestIoctlSyscallArguments(t *testing.T) {
	var gotTrap, gotFd, gotReq, gotArg uintptr
	restore := doSyscall
	defer func() { doSyscall = restore }()
	doSyscall = func(trap, a1, a2, a3 uintptr) (uintptr, uintptr, unix.Errno) {
		gotTrap, gotFd, gotReq, gotArg = trap, a1, a2, a3
		return 0, 0, 0
	}

	var buf [16]byte
	ret, errno := Ioctl(Fd(42), testRequest, unsafe.Pointer(&buf[0]))
	if ret != 0 || errno != 0 {
		t.Fatalf("Ioctl() = %v, %v, want 0, 0", ret, errno)
	}
	if gotTrap != unix.SYS_IOCTL {
		t.Errorf("trap = %v, want SYS_IOCTL", gotTrap)
	}
	if gotFd != 42 {
		t.Errorf("fd = %v, want 42", gotFd)
	}
	if gotReq != uintptr(testRequest) {
		t.Errorf("request = 0x%x, want 0x%x", gotReq, uint32(testRequest))
	}
	if gotArg != uintptr(unsafe.Pointer(&buf[0])) {
		t.Errorf("argument address mismatch")
	}
}

func TestIoctlNilHandle(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Ioctl() on nil handle did not panic")
		}
	}()
	Ioctl(nil, testRequest, nil)
}

func TestIoctlIssuer(t *testing.T) {
	d := ioctltest.NewDriver(7)
	d.Handle(testRequest, func(arg unsafe.Pointer) (int, unix.Errno) {
		ioctltest.Memory(arg, 16)[12] = 0x03
		return 0, 0
	})

	var buf [16]byte
	ret, errno := Ioctl(d, testRequest, unsafe.Pointer(&buf[0]))
	if ret != 0 || errno != 0 {
		t.Fatalf("Ioctl() = %v, %v, want 0, 0", ret, errno)
	}
	if buf[12] != 0x03 {
		t.Errorf("driver write not visible to caller")
	}
	if calls := d.Calls(); !reflect.DeepEqual(calls, []ioc.Request{testRequest}) {
		t.Errorf("Calls() = %v", calls)
	}

	other := ioc.Group('S').WriteRead(0x0, 12)
	if _, errno := Ioctl(d, other, unsafe.Pointer(&buf[0])); errno != unix.EINVAL {
		t.Errorf("unregistered request errno = %v, want EINVAL", errno)
	}
}

type testPayload struct {
	A uint8
	B uint32
	_ [3]byte
	C uint64
}

func TestPayload(t *testing.T) {
	v := &testPayload{A: 0x11, B: 0x22334455, C: 0x0102030405060708}
	p, err := Pack(v)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	want := []byte{
		0x11,
		0x55, 0x44, 0x33, 0x22,
		0x00, 0x00, 0x00,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}
	if !reflect.DeepEqual(p.Bytes(), want) {
		t.Fatalf("Bytes() = % x, want % x", p.Bytes(), want)
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if p.Len() != 16 || p.Pointer() == nil || p.Addr(&pinner) != uint64(uintptr(p.Pointer())) {
		t.Fatalf("unexpected buffer len %v pointer %v", p.Len(), p.Pointer())
	}

	// Emulate the driver writing back
	p.Bytes()[0] = 0x99
	p.Bytes()[5] = 0xff
	if err := p.Unpack(); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if v.A != 0x99 || v.C != 0x0102030405060708 {
		t.Errorf("Unpack() = %+v", *v)
	}
	if p.Value() != v {
		t.Errorf("Value() does not return packed structure")
	}
}

func TestPayloadEmpty(t *testing.T) {
	p, err := Pack(&struct{}{})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if p.Pointer() != nil || p.Addr(&pinner) != 0 || p.Len() != 0 {
		t.Errorf("empty payload has address %v len %v", p.Pointer(), p.Len())
	}
	if err := p.Unpack(); err != nil {
		t.Errorf("Unpack() error = %v", err)
	}
}

func TestPayloadInvalid(t *testing.T) {
	type dynamic struct {
		Data []byte
	}
	if _, err := Pack(&dynamic{}); err == nil {
		t.Errorf("Pack() of variable size type succeeded")
	}
	if _, err := Pack[testPayload](nil); err == nil {
		t.Errorf("Pack() of nil value succeeded")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status    Status
		wantName  string
		wantKnown bool
	}{
		{Success, "SUCCESS", true},
		{InvalidPlatformState, "INVALID_PLATFORM_STATE", true},
		{SecureDataInvalid, "SECURE_DATA_INVALID", true},
		{InvalidKey, "INVALID_KEY", true},
		{NoFirmwareCall, "NO_FW_CALL", true},
		{0x1E, "UNKNOWN(0x1e)", false},
		{0x28, "UNKNOWN(0x28)", false},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			if got := tt.status.Name(); got != tt.wantName {
				t.Errorf("Name() = %v, want %v", got, tt.wantName)
			}
			if got := tt.status.Known(); got != tt.wantKnown {
				t.Errorf("Known() = %v, want %v", got, tt.wantKnown)
			}
		})
	}

	list := Statuses()
	if len(list) != 40 {
		t.Errorf("Statuses() returned %v entries, want 40", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1] >= list[i] {
			t.Fatalf("Statuses() not sorted at %v", i)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{
			name: "Success",
			err:  nil,
			want: Outcome{Level: LevelSuccess, Name: "SUCCESS"},
		},
		{
			name: "OS Error",
			err:  &OsError{Request: testRequest, Errno: unix.EBADF},
			want: Outcome{
				Level:   LevelOs,
				Request: "_IOWR('S', 0x00, 16)",
				Code:    uint32(unix.EBADF),
				Name:    "EBADF",
				Message: "ioctl _IOWR('S', 0x00, 16) failed: bad file descriptor",
			},
		},
		{
			name: "Firmware Error",
			err:  &FirmwareError{Request: testRequest, Status: InvalidLen},
			want: Outcome{
				Level:   LevelFirmware,
				Request: "_IOWR('S', 0x00, 16)",
				Code:    4,
				Name:    "INVALID_LEN",
				Message: "ioctl _IOWR('S', 0x00, 16): firmware error INVALID_LEN: Memory buffer too small",
			},
		},
		{
			name: "Other Error",
			err:  errors.New("device missing"),
			want: Outcome{Level: LevelOther, Message: "device missing"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.err); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Describe() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
