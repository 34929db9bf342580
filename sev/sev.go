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

// Package sev issues commands to the AMD SEV firmware through the Linux psp driver
// (/dev/sev). Commands are wrapped into struct sev_issue_cmd as defined in
// include/uapi/linux/psp-sev.h.
package sev

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "sev")

// Group is the ioctl group of the SEV firmware driver
const Group ioc.Group = 'S'

// issueCmd is struct sev_issue_cmd, which is __packed
type issueCmd struct {
	Cmd   uint32
	Data  uint64
	Error uint32
}

// IssueCmd is the SEV_ISSUE_CMD ioctl request number
var IssueCmd = ioc.IOWR[issueCmd](Group, 0x0)

// Id is implemented by all command-specific structures of the SEV driver. The
// value is the command code of enum sev_cmd in psp-sev.h.
type Id interface {
	Id() uint32
}

// Command wraps a command-specific structure into the envelope passed to the
// SEV_ISSUE_CMD ioctl. A command must not be issued concurrently.
type Command[T Id] struct {
	subcmd  *T
	status  ioctl.Status
	mutable bool
}

// FromMut creates a command expecting the driver to write results back into subcmd
// or into memory referenced by it
func FromMut[T Id](subcmd *T) *Command[T] {
	return &Command[T]{subcmd: subcmd, mutable: true}
}

// From creates a command for which the driver is not expected to modify subcmd.
// The driver is not prevented from doing so, but modifications are not copied
// back into subcmd.
func From[T Id](subcmd *T) *Command[T] {
	return &Command[T]{subcmd: subcmd}
}

// Payload returns the command-specific structure
func (c *Command[T]) Payload() *T {
	return c.subcmd
}

// FirmwareStatus returns the firmware error code the driver wrote back during the
// last call. It is only meaningful if the call did not fail with an *ioctl.OsError.
func (c *Command[T]) FirmwareStatus() ioctl.Status {
	return c.status
}

// Issue performs the SEV_ISSUE_CMD ioctl on h, which must be an open handle to
// the SEV device. It returns nil, an *ioctl.OsError or an *ioctl.FirmwareError.
func (c *Command[T]) Issue(h ioctl.Handle) error {
	if c == nil || c.subcmd == nil {
		return errors.New("internal error: SEV command is nil")
	}

	payload, err := ioctl.Pack(c.subcmd)
	if err != nil {
		return fmt.Errorf("failed to prepare SEV command: %w", err)
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	cmd := issueCmd{
		Cmd:  (*c.subcmd).Id(),
		Data: payload.Addr(&pinner),
	}
	envelope, err := ioctl.Pack(&cmd)
	if err != nil {
		return fmt.Errorf("failed to prepare SEV command: %w", err)
	}

	c.status = ioctl.Success
	ret, errno := ioctl.Ioctl(h, IssueCmd, envelope.Pointer())

	if err := envelope.Unpack(); err != nil {
		return fmt.Errorf("failed to read SEV command result: %w", err)
	}
	c.status = ioctl.Status(cmd.Error)

	if c.mutable {
		if err := payload.Unpack(); err != nil {
			return fmt.Errorf("failed to read SEV command result: %w", err)
		}
	}
	runtime.KeepAlive(payload)

	return ioctl.Translate(IssueCmd, ret, errno, c.status)
}
