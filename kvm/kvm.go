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

// Package kvm issues SEV commands for a virtual machine through the KVM
// memory encryption ioctls of a VM file descriptor. Commands are wrapped into
// struct kvm_sev_cmd as defined in arch/x86/include/uapi/asm/kvm.h.
package kvm

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "kvm")

// Group is the ioctl group of KVM
const Group ioc.Group = 0xAE

// sevCmd is struct kvm_sev_cmd
type sevCmd struct {
	Id    uint32
	_     uint32
	Data  uint64
	Error uint32
	SevFd uint32
}

var (
	// EncOp is KVM_MEMORY_ENCRYPT_OP. The kernel header declares the argument as
	// unsigned long, although a struct kvm_sev_cmd is passed.
	EncOp = ioc.IOWR[uint64](Group, 0xBA)

	// RegRegion is KVM_MEMORY_ENCRYPT_REG_REGION. The kernel declares the region
	// ioctls as read, although userspace writes the argument.
	RegRegion = ioc.IOR[encRegion](Group, 0xBB)

	// UnregRegion is KVM_MEMORY_ENCRYPT_UNREG_REGION
	UnregRegion = ioc.IOR[encRegion](Group, 0xBC)
)

// Id is implemented by all command-specific structures of the KVM SEV interface.
// The value is the command code of enum sev_cmd_id in the KVM headers.
type Id interface {
	Id() uint32
}

// Command wraps a command-specific structure into the envelope passed to the
// KVM_MEMORY_ENCRYPT_OP ioctl. The envelope carries the file descriptor of the
// SEV device, which the kernel uses to authorize the command.
type Command[T Id] struct {
	subcmd  *T
	sevFd   uint32
	status  ioctl.Status
	mutable bool
}

// FromMut creates a command expecting the kernel to write results back into
// subcmd or into memory referenced by it
func FromMut[T Id](sev ioctl.Handle, subcmd *T) *Command[T] {
	return &Command[T]{subcmd: subcmd, sevFd: sevFd(sev), mutable: true}
}

// From creates a command for which the kernel is not expected to modify subcmd.
// Modifications are not copied back into subcmd.
func From[T Id](sev ioctl.Handle, subcmd *T) *Command[T] {
	return &Command[T]{subcmd: subcmd, sevFd: sevFd(sev)}
}

func sevFd(sev ioctl.Handle) uint32 {
	if sev == nil {
		panic("internal error: SEV handle is nil")
	}
	return uint32(sev.Fd())
}

// Payload returns the command-specific structure
func (c *Command[T]) Payload() *T {
	return c.subcmd
}

// FirmwareStatus returns the firmware error code written back during the last
// call. It is only meaningful if the call did not fail with an *ioctl.OsError.
func (c *Command[T]) FirmwareStatus() ioctl.Status {
	return c.status
}

// Issue performs the KVM_MEMORY_ENCRYPT_OP ioctl on the VM handle vm. It returns
// nil, an *ioctl.OsError or an *ioctl.FirmwareError.
func (c *Command[T]) Issue(vm ioctl.Handle) error {
	if c == nil || c.subcmd == nil {
		return errors.New("internal error: KVM command is nil")
	}

	payload, err := ioctl.Pack(c.subcmd)
	if err != nil {
		return fmt.Errorf("failed to prepare KVM command: %w", err)
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	cmd := sevCmd{
		Id:    (*c.subcmd).Id(),
		Data:  payload.Addr(&pinner),
		SevFd: c.sevFd,
	}
	envelope, err := ioctl.Pack(&cmd)
	if err != nil {
		return fmt.Errorf("failed to prepare KVM command: %w", err)
	}

	c.status = ioctl.Success
	ret, errno := ioctl.Ioctl(vm, EncOp, envelope.Pointer())

	if err := envelope.Unpack(); err != nil {
		return fmt.Errorf("failed to read KVM command result: %w", err)
	}
	c.status = ioctl.Status(cmd.Error)

	if c.mutable {
		if err := payload.Unpack(); err != nil {
			return fmt.Errorf("failed to read KVM command result: %w", err)
		}
	}
	runtime.KeepAlive(payload)

	return ioctl.Translate(EncOp, ret, errno, c.status)
}

// encRegion is struct kvm_enc_region
type encRegion struct {
	Addr uint64
	Size uint64
}

// EncRegion is guest memory to be pinned by the kernel for an encrypted VM. The
// memory is pinned in the Go runtime as well from RegisterRegion until it was
// unregistered, so the address the kernel holds stays valid. A region must not
// be used concurrently.
type EncRegion struct {
	data       []byte
	pinner     runtime.Pinner
	registered bool
}

// NewEncRegion returns the region covering data
func NewEncRegion(data []byte) *EncRegion {
	return &EncRegion{data: data}
}

// Addr returns the address of the region memory
func (r *EncRegion) Addr() uint64 {
	if len(r.data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

// Size returns the size of the region in bytes
func (r *EncRegion) Size() uint64 {
	return uint64(len(r.data))
}

// Registered returns whether the region is currently registered
func (r *EncRegion) Registered() bool {
	return r.registered
}

// RegisterRegion performs KVM_MEMORY_ENCRYPT_REG_REGION on the VM handle vm
func (r *EncRegion) RegisterRegion(vm ioctl.Handle) error {
	if r == nil {
		return errors.New("internal error: region is nil")
	}
	if r.registered {
		return errors.New("region is already registered")
	}

	region := encRegion{
		Addr: ioctl.BufferAddr(&r.pinner, r.data),
		Size: r.Size(),
	}
	if err := issueRegion(vm, RegRegion, &region); err != nil {
		r.pinner.Unpin()
		return err
	}
	r.registered = true

	return nil
}

// UnregisterRegion performs KVM_MEMORY_ENCRYPT_UNREG_REGION on the VM handle vm.
// The memory stays pinned if the kernel refuses to release it.
func (r *EncRegion) UnregisterRegion(vm ioctl.Handle) error {
	if r == nil {
		return errors.New("internal error: region is nil")
	}

	region := encRegion{
		Addr: r.Addr(),
		Size: r.Size(),
	}
	if err := issueRegion(vm, UnregRegion, &region); err != nil {
		return err
	}
	if r.registered {
		r.pinner.Unpin()
		r.registered = false
	}

	return nil
}

func issueRegion(vm ioctl.Handle, req ioc.Request, region *encRegion) error {
	payload, err := ioctl.Pack(region)
	if err != nil {
		return fmt.Errorf("failed to prepare region: %w", err)
	}
	log.Debugf("Issuing %v for region 0x%x (%v bytes)", req, region.Addr, region.Size)
	ret, errno := ioctl.Ioctl(vm, req, payload.Pointer())
	runtime.KeepAlive(payload)

	// The region ioctls do not involve the firmware
	return ioctl.Translate(req, ret, errno, ioctl.Success)
}
