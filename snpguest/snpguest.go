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

// Package snpguest issues guest requests to the SEV-SNP firmware through the
// Linux sev-guest driver (/dev/sev-guest). Requests are wrapped into struct
// snp_guest_request_ioctl as defined in include/uapi/linux/sev-guest.h.
package snpguest

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "snpguest")

// Group is the ioctl group of the sev-guest driver
const Group ioc.Group = 'S'

// MsgVersion is the only guest message version supported by the driver
const MsgVersion = 1

// VMM error codes, reported in the upper half of exitinfo2
const (
	VmmErrInvalidLen uint32 = 1
	VmmErrBusy       uint32 = 2
)

// guestRequest is struct snp_guest_request_ioctl
type guestRequest struct {
	MsgVersion uint8
	_          [7]byte
	ReqData    uint64
	RespData   uint64
	FwError    uint32
	VmmError   uint32
}

var (
	// GetReport is SNP_GET_REPORT
	GetReport = ioc.IOWR[guestRequest](Group, 0x0)

	// GetDerivedKey is SNP_GET_DERIVED_KEY
	GetDerivedKey = ioc.IOWR[guestRequest](Group, 0x1)

	// GetExtReport is SNP_GET_EXT_REPORT
	GetExtReport = ioc.IOWR[guestRequest](Group, 0x2)
)

// Message wraps a request and a response structure into the envelope passed to
// the sev-guest ioctls. Both structures are copied back after the call, as the
// driver updates length fields in requests. A message must not be issued
// concurrently.
type Message[Req, Resp any] struct {
	req      *Req
	resp     *Resp
	fwError  ioctl.Status
	vmmError uint32
}

// NewMessage creates a message for the given request and response structures
func NewMessage[Req, Resp any](req *Req, resp *Resp) *Message[Req, Resp] {
	return &Message[Req, Resp]{req: req, resp: resp}
}

// Request returns the request structure
func (m *Message[Req, Resp]) Request() *Req {
	return m.req
}

// Response returns the response structure
func (m *Message[Req, Resp]) Response() *Resp {
	return m.resp
}

// FirmwareStatus returns the firmware error code written back during the last call
func (m *Message[Req, Resp]) FirmwareStatus() ioctl.Status {
	return m.fwError
}

// VmmError returns the hypervisor error code written back during the last call
func (m *Message[Req, Resp]) VmmError() uint32 {
	return m.vmmError
}

// Issue performs the guest request ioctl req on h, which must be an open handle
// to the sev-guest device. It returns nil, an *ioctl.OsError or an
// *ioctl.FirmwareError. The status field within the response is not inspected.
func (m *Message[Req, Resp]) Issue(h ioctl.Handle, req ioc.Request) error {
	if m == nil || m.req == nil || m.resp == nil {
		return errors.New("internal error: guest message is nil")
	}

	reqPayload, err := ioctl.Pack(m.req)
	if err != nil {
		return fmt.Errorf("failed to prepare guest request: %w", err)
	}
	respPayload, err := ioctl.Pack(m.resp)
	if err != nil {
		return fmt.Errorf("failed to prepare guest response: %w", err)
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	msg := guestRequest{
		MsgVersion: MsgVersion,
		ReqData:    reqPayload.Addr(&pinner),
		RespData:   respPayload.Addr(&pinner),
	}
	envelope, err := ioctl.Pack(&msg)
	if err != nil {
		return fmt.Errorf("failed to prepare guest request: %w", err)
	}

	m.fwError, m.vmmError = ioctl.Success, 0
	ret, errno := ioctl.Ioctl(h, req, envelope.Pointer())

	for _, p := range []interface{ Unpack() error }{envelope, reqPayload, respPayload} {
		if err := p.Unpack(); err != nil {
			return fmt.Errorf("failed to read guest request result: %w", err)
		}
	}
	runtime.KeepAlive(reqPayload)
	runtime.KeepAlive(respPayload)

	m.fwError = ioctl.Status(msg.FwError)
	m.vmmError = msg.VmmError
	if m.vmmError != 0 {
		log.Tracef("Guest request %v: VMM error %v", req, m.vmmError)
	}

	return ioctl.Translate(req, ret, errno, m.fwError)
}
