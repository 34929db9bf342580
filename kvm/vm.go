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
	"errors"
	"fmt"
	"runtime"

	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
)

// MeasurementSize is the size of the launch measurement returned by the
// firmware: a 32 byte HMAC followed by a 16 byte nonce
const MeasurementSize = 48

// Vm issues SEV launch commands for a virtual machine. Both handles are owned by
// the caller.
type Vm struct {
	vm  ioctl.Handle
	sev ioctl.Handle
}

// NewVm returns a Vm issuing commands on the KVM VM handle vm, authorized by the
// SEV device handle sev
func NewVm(vm, sev ioctl.Handle) *Vm {
	return &Vm{vm: vm, sev: sev}
}

// Init initializes the SEV context of the VM
func (v *Vm) Init() error {
	return issue(v, From(v.sev, &Init{}), "SEV init")
}

// EsInit initializes the SEV-ES context of the VM
func (v *Vm) EsInit() error {
	return issue(v, From(v.sev, &EsInit{}), "SEV-ES init")
}

// LaunchStart creates the guest context with the given policy. The firmware
// assigned handle is written back into start.
func (v *Vm) LaunchStart(start *LaunchStart) error {
	if start == nil {
		return errors.New("internal error: launch start parameters are nil")
	}
	return issue(v, FromMut(v.sev, start), "launch start")
}

// LaunchUpdateData encrypts data in place and adds it to the launch measurement
func (v *Vm) LaunchUpdateData(data []byte) error {
	if len(data) == 0 {
		return errors.New("no launch data")
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()

	req := LaunchUpdateData{
		Uaddr: ioctl.BufferAddr(&pinner, data),
		Len:   uint32(len(data)),
	}
	return issue(v, From(v.sev, &req), "launch update data")
}

// LaunchUpdateVmsa encrypts the VM save areas of all vCPUs
func (v *Vm) LaunchUpdateVmsa() error {
	return issue(v, From(v.sev, &LaunchUpdateVmsa{}), "launch update VMSA")
}

// LaunchMeasure returns the launch measurement of the guest
func (v *Vm) LaunchMeasure() ([]byte, error) {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	buf := make([]byte, MeasurementSize)
	req := LaunchMeasure{
		Uaddr: ioctl.BufferAddr(&pinner, buf),
		Len:   uint32(len(buf)),
	}
	if err := issue(v, FromMut(v.sev, &req), "launch measure"); err != nil {
		return nil, err
	}
	return buf[:min(int(req.Len), len(buf))], nil
}

// LaunchSecret injects a secret wrapped by the guest owner into guest memory
func (v *Vm) LaunchSecret(hdr, guest, trans []byte) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	req := LaunchSecret{
		HdrUaddr:   ioctl.BufferAddr(&pinner, hdr),
		HdrLen:     uint32(len(hdr)),
		GuestUaddr: ioctl.BufferAddr(&pinner, guest),
		GuestLen:   uint32(len(guest)),
		TransUaddr: ioctl.BufferAddr(&pinner, trans),
		TransLen:   uint32(len(trans)),
	}
	return issue(v, From(v.sev, &req), "launch secret")
}

// LaunchFinish completes the launch flow, after which the guest may run
func (v *Vm) LaunchFinish() error {
	return issue(v, From(v.sev, &LaunchFinish{}), "launch finish")
}

// GuestStatus queries the firmware state of the guest
func (v *Vm) GuestStatus() (*GuestStatus, error) {
	var status GuestStatus
	if err := issue(v, FromMut(v.sev, &status), "guest status"); err != nil {
		return nil, err
	}
	return &status, nil
}

func issue[T Id](v *Vm, c *Command[T], what string) error {
	log.Debugf("Issuing KVM %v (command %v)", what, (*c.Payload()).Id())
	if err := c.Issue(v.vm); err != nil {
		return fmt.Errorf("failed to perform %v: %w", what, err)
	}
	return nil
}
