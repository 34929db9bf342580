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

package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"unsafe"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl/ioctltest"
	"golang.org/x/sys/unix"
)

const testSevFd = 7

type vmHandler func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status)

func newVmDriver(t *testing.T, handlers map[uint32]vmHandler) *ioctltest.Driver {
	d := ioctltest.NewDriver(9)
	d.Handle(EncOp, func(arg unsafe.Pointer) (int, unix.Errno) {
		var cmd sevCmd
		if err := ioctltest.Load(arg, &cmd); err != nil {
			t.Fatalf("failed to load kvm_sev_cmd: %v", err)
		}
		if cmd.SevFd != testSevFd {
			return -1, unix.EBADF
		}
		h, ok := handlers[cmd.Id]
		if !ok {
			return -1, unix.EINVAL
		}
		ret, errno, status := h(ioctltest.Addr(cmd.Data))
		cmd.Error = uint32(status)
		if err := ioctltest.Store(arg, &cmd); err != nil {
			t.Fatalf("failed to store kvm_sev_cmd: %v", err)
		}
		return ret, errno
	})
	return d
}

func TestRequestNumbers(t *testing.T) {
	tests := []struct {
		name string
		req  ioc.Request
		want uint32
	}{
		{"KVM_MEMORY_ENCRYPT_OP", EncOp, 0xC008AEBA},
		{"KVM_MEMORY_ENCRYPT_REG_REGION", RegRegion, 0x8010AEBB},
		{"KVM_MEMORY_ENCRYPT_UNREG_REGION", UnregRegion, 0x8010AEBC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if uint32(tt.req) != tt.want {
				t.Errorf("request = 0x%08X, want 0x%08X", uint32(tt.req), tt.want)
			}
		})
	}
}

func TestPayloadSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"kvm_sev_cmd", ioc.Sizeof[sevCmd](), 24},
		{"kvm_enc_region", ioc.Sizeof[encRegion](), 16},
		{"kvm_sev_launch_start", ioc.Sizeof[LaunchStart](), 40},
		{"kvm_sev_launch_update_data", ioc.Sizeof[LaunchUpdateData](), 16},
		{"kvm_sev_launch_secret", ioc.Sizeof[LaunchSecret](), 48},
		{"kvm_sev_launch_measure", ioc.Sizeof[LaunchMeasure](), 16},
		{"kvm_sev_guest_status", ioc.Sizeof[GuestStatus](), 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("size = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCommandLayout(t *testing.T) {
	var raw []byte
	d := ioctltest.NewDriver(9)
	d.Handle(EncOp, func(arg unsafe.Pointer) (int, unix.Errno) {
		raw = append([]byte(nil), ioctltest.Memory(arg, 24)...)
		return 0, 0
	})

	var status GuestStatus
	if err := FromMut(ioctl.Fd(testSevFd), &status).Issue(d); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if got := binary.LittleEndian.Uint32(raw[0:4]); got != GuestStatusId {
		t.Errorf("id = %v, want %v", got, GuestStatusId)
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 0 {
		t.Errorf("padding = %v, want zero", got)
	}
	if got := binary.LittleEndian.Uint64(raw[8:16]); got == 0 {
		t.Errorf("data address is zero")
	}
	if got := binary.LittleEndian.Uint32(raw[20:24]); got != testSevFd {
		t.Errorf("sev_fd = %v, want %v", got, testSevFd)
	}
}

func TestGuestStatus(t *testing.T) {
	want := GuestStatus{Handle: 1, Policy: 0x5, State: GuestStateRunning}

	tests := []struct {
		name    string
		handler vmHandler
		wantErr func(error) bool
	}{
		{
			name: "Success",
			handler: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				ioctltest.Store(data, &want)
				return 0, 0, ioctl.Success
			},
			wantErr: func(err error) bool { return err == nil },
		},
		{
			name: "Invalid Guest",
			handler: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				return 0, 0, ioctl.InvalidGuest
			},
			wantErr: func(err error) bool {
				s, ok := ioctl.StatusOf(err)
				return ok && s == ioctl.InvalidGuest
			},
		},
		{
			name: "OS Error",
			handler: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				return -1, unix.ENOTTY, ioctl.InvalidGuest
			},
			wantErr: func(err error) bool {
				return errors.Is(err, unix.ENOTTY) && !ioctl.IsFirmwareError(err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newVmDriver(t, map[uint32]vmHandler{GuestStatusId: tt.handler})

			got, err := NewVm(d, ioctl.Fd(testSevFd)).GuestStatus()
			if !tt.wantErr(err) {
				t.Fatalf("GuestStatus() error = %v", err)
			}
			if err == nil && !reflect.DeepEqual(*got, want) {
				t.Errorf("GuestStatus() = %+v, want %+v", *got, want)
			}
		})
	}
}

func TestWrongSevHandle(t *testing.T) {
	d := newVmDriver(t, map[uint32]vmHandler{})

	err := NewVm(d, ioctl.Fd(testSevFd+1)).Init()
	if !errors.Is(err, unix.EBADF) {
		t.Errorf("Init() = %v, want EBADF", err)
	}
}

func TestLaunchFlow(t *testing.T) {
	image := []byte("guest firmware image")
	measurement := bytes.Repeat([]byte{0x5a}, MeasurementSize)
	var measured []byte
	var ids []uint32

	record := func(id uint32, h vmHandler) vmHandler {
		return func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
			ids = append(ids, id)
			return h(data)
		}
	}
	ok := func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
		return 0, 0, ioctl.Success
	}

	launchStart := func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
		var req LaunchStart
		ioctltest.Load(data, &req)
		req.Handle = 42
		ioctltest.Store(data, &req)
		return 0, 0, ioctl.Success
	}
	launchUpdate := func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
		var req LaunchUpdateData
		ioctltest.Load(data, &req)
		measured = append(measured, ioctltest.Memory(ioctltest.Addr(req.Uaddr), int(req.Len))...)
		return 0, 0, ioctl.Success
	}
	launchMeasure := func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
		var req LaunchMeasure
		ioctltest.Load(data, &req)
		copy(ioctltest.Memory(ioctltest.Addr(req.Uaddr), int(req.Len)), measurement)
		return 0, 0, ioctl.Success
	}

	d := newVmDriver(t, map[uint32]vmHandler{
		InitId:             record(InitId, ok),
		LaunchStartId:      record(LaunchStartId, launchStart),
		LaunchUpdateDataId: record(LaunchUpdateDataId, launchUpdate),
		LaunchMeasureId:    record(LaunchMeasureId, launchMeasure),
		LaunchFinishId:     record(LaunchFinishId, ok),
	})

	vm := NewVm(d, ioctl.Fd(testSevFd))
	if err := vm.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	start := LaunchStart{Policy: 0x1}
	if err := vm.LaunchStart(&start); err != nil {
		t.Fatalf("LaunchStart() error = %v", err)
	}
	if start.Handle != 42 {
		t.Errorf("handle = %v, want 42", start.Handle)
	}
	if err := vm.LaunchUpdateData(image); err != nil {
		t.Fatalf("LaunchUpdateData() error = %v", err)
	}
	got, err := vm.LaunchMeasure()
	if err != nil {
		t.Fatalf("LaunchMeasure() error = %v", err)
	}
	if err := vm.LaunchFinish(); err != nil {
		t.Fatalf("LaunchFinish() error = %v", err)
	}

	if !bytes.Equal(measured, image) {
		t.Errorf("measured data = %q, want %q", measured, image)
	}
	if !bytes.Equal(got, measurement) {
		t.Errorf("measurement = %x, want %x", got, measurement)
	}
	wantIds := []uint32{InitId, LaunchStartId, LaunchUpdateDataId, LaunchMeasureId, LaunchFinishId}
	if !reflect.DeepEqual(ids, wantIds) {
		t.Errorf("commands = %v, want %v", ids, wantIds)
	}
}

func TestLaunchUpdateDataEmpty(t *testing.T) {
	d := newVmDriver(t, map[uint32]vmHandler{})
	if err := NewVm(d, ioctl.Fd(testSevFd)).LaunchUpdateData(nil); err == nil {
		t.Errorf("LaunchUpdateData(nil) succeeded")
	}
	if len(d.Calls()) != 0 {
		t.Errorf("ioctl issued for empty data")
	}
}

func newRegionDriver(registered map[uint64]uint64) *ioctltest.Driver {
	d := ioctltest.NewDriver(9)
	d.Handle(RegRegion, func(arg unsafe.Pointer) (int, unix.Errno) {
		var r encRegion
		ioctltest.Load(arg, &r)
		registered[r.Addr] = r.Size
		return 0, 0
	})
	d.Handle(UnregRegion, func(arg unsafe.Pointer) (int, unix.Errno) {
		var r encRegion
		ioctltest.Load(arg, &r)
		if _, ok := registered[r.Addr]; !ok {
			return -1, unix.EINVAL
		}
		delete(registered, r.Addr)
		return 0, 0
	})
	return d
}

func TestRegions(t *testing.T) {
	mem := make([]byte, 4096)
	registered := map[uint64]uint64{}
	d := newRegionDriver(registered)

	r := NewEncRegion(mem)
	if r.Size() != 4096 || r.Addr() != uint64(uintptr(unsafe.Pointer(&mem[0]))) {
		t.Fatalf("NewEncRegion() = 0x%x (%v bytes)", r.Addr(), r.Size())
	}
	if err := r.RegisterRegion(d); err != nil {
		t.Fatalf("RegisterRegion() error = %v", err)
	}
	if registered[r.Addr()] != 4096 || !r.Registered() {
		t.Errorf("region not registered")
	}
	if err := r.RegisterRegion(d); err == nil {
		t.Errorf("second RegisterRegion() succeeded")
	}
	if err := r.UnregisterRegion(d); err != nil {
		t.Fatalf("UnregisterRegion() error = %v", err)
	}
	if r.Registered() {
		t.Errorf("region still registered")
	}
	err := r.UnregisterRegion(d)
	if !ioctl.IsOsError(err) || !errors.Is(err, unix.EINVAL) {
		t.Errorf("second UnregisterRegion() = %v, want OS level EINVAL", err)
	}
}

func TestRegionRegisterFailure(t *testing.T) {
	d := ioctltest.NewDriver(9)
	d.Handle(RegRegion, func(arg unsafe.Pointer) (int, unix.Errno) {
		return -1, unix.ENOMEM
	})

	r := NewEncRegion(make([]byte, 64))
	if err := r.RegisterRegion(d); !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("RegisterRegion() = %v, want ENOMEM", err)
	}
	if r.Registered() {
		t.Errorf("failed region is registered")
	}
}

// inNewGoroutine runs f on a fresh goroutine with a small stack, so that stack
// allocated buffers would move when growStack forces the stack to be copied
func inNewGoroutine(f func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	<-done
}

//go:noinline
func growStack(n int) byte {
	var frame [1024]byte
	if n == 0 {
		return frame[0]
	}
	return growStack(n-1) + frame[n%len(frame)]
}

func bufferAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func TestBufferAddressesStayValid(t *testing.T) {
	t.Run("LaunchUpdateData", func(t *testing.T) {
		var seen uint64
		d := newVmDriver(t, map[uint32]vmHandler{
			LaunchUpdateDataId: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				var req LaunchUpdateData
				ioctltest.Load(data, &req)
				seen = req.Uaddr
				return 0, 0, ioctl.Success
			},
		})

		var live uint64
		var err error
		inNewGoroutine(func() {
			buf := make([]byte, 64)
			growStack(8)
			err = NewVm(d, ioctl.Fd(testSevFd)).LaunchUpdateData(buf)
			growStack(64)
			live = bufferAddr(buf)
		})
		if err != nil {
			t.Fatalf("LaunchUpdateData() error = %v", err)
		}
		if seen != live {
			t.Errorf("driver saw 0x%x, buffer lives at 0x%x", seen, live)
		}
	})

	t.Run("LaunchSecret", func(t *testing.T) {
		var seen [3]uint64
		d := newVmDriver(t, map[uint32]vmHandler{
			LaunchSecretId: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				var req LaunchSecret
				ioctltest.Load(data, &req)
				seen = [3]uint64{req.HdrUaddr, req.GuestUaddr, req.TransUaddr}
				return 0, 0, ioctl.Success
			},
		})

		var live [3]uint64
		var err error
		inNewGoroutine(func() {
			hdr := make([]byte, 52)
			guest := make([]byte, 16)
			trans := make([]byte, 32)
			growStack(8)
			err = NewVm(d, ioctl.Fd(testSevFd)).LaunchSecret(hdr, guest, trans)
			growStack(64)
			live = [3]uint64{bufferAddr(hdr), bufferAddr(guest), bufferAddr(trans)}
		})
		if err != nil {
			t.Fatalf("LaunchSecret() error = %v", err)
		}
		if seen != live {
			t.Errorf("driver saw %x, buffers live at %x", seen, live)
		}
	})

	t.Run("LaunchMeasure", func(t *testing.T) {
		measurement := bytes.Repeat([]byte{0xa5}, MeasurementSize)
		d := newVmDriver(t, map[uint32]vmHandler{
			LaunchMeasureId: func(data unsafe.Pointer) (int, unix.Errno, ioctl.Status) {
				var req LaunchMeasure
				ioctltest.Load(data, &req)
				copy(ioctltest.Memory(ioctltest.Addr(req.Uaddr), int(req.Len)), measurement)
				return 0, 0, ioctl.Success
			},
		})

		var got []byte
		var err error
		inNewGoroutine(func() {
			growStack(8)
			got, err = NewVm(d, ioctl.Fd(testSevFd)).LaunchMeasure()
			growStack(64)
		})
		if err != nil {
			t.Fatalf("LaunchMeasure() error = %v", err)
		}
		if !bytes.Equal(got, measurement) {
			t.Errorf("measurement = %x, want %x", got, measurement)
		}
	})

	t.Run("Region", func(t *testing.T) {
		registered := map[uint64]uint64{}
		d := newRegionDriver(registered)

		var r *EncRegion
		var live uint64
		var err error
		inNewGoroutine(func() {
			mem := make([]byte, 64)
			r = NewEncRegion(mem)
			err = r.RegisterRegion(d)
			growStack(64)
			live = bufferAddr(mem)
		})
		if err != nil {
			t.Fatalf("RegisterRegion() error = %v", err)
		}
		if _, ok := registered[live]; !ok {
			t.Fatalf("driver registered %v, buffer lives at 0x%x", registered, live)
		}
		if err := r.UnregisterRegion(d); err != nil {
			t.Errorf("UnregisterRegion() error = %v", err)
		}
	})
}

func TestGuestStateString(t *testing.T) {
	if GuestStateRunning.String() != "RUNNING" || GuestState(9).String() != "UNKNOWN" {
		t.Errorf("unexpected guest state names")
	}
}
