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

package snpguest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
)

// DefaultDevice is the path of the SEV-SNP guest device node
const DefaultDevice = "/dev/sev-guest"

// certsSize is the initial size of the certificate buffer for extended reports
const certsSize = 4 * 4096

// Device issues guest requests on a device handle. The handle is owned by the
// caller unless the device was created through Open.
type Device struct {
	h    ioctl.Handle
	file *os.File
}

// NewDevice returns a Device issuing requests on the caller-owned handle h
func NewDevice(h ioctl.Handle) *Device {
	return &Device{h: h}
}

// Open opens the guest device at path, or DefaultDevice if path is empty
func Open(path string) (*Device, error) {
	if path == "" {
		path = DefaultDevice
	}
	log.Debugf("Opening SNP guest device %v", path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open SNP guest device: %w", err)
	}
	return &Device{h: f, file: f}, nil
}

// Close closes the device if it was opened by Open
func (d *Device) Close() error {
	if d == nil || d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Report requests an attestation report containing userData at the given VMPL
func (d *Device) Report(userData []byte, vmpl uint32) ([]byte, error) {
	if d == nil {
		return nil, errors.New("internal error: device object is nil")
	}

	req, err := reportRequest(userData, vmpl)
	if err != nil {
		return nil, err
	}

	log.Debugf("Requesting SNP attestation report on VMPL %v with user data %v", vmpl,
		hex.EncodeToString(req.UserData[:]))

	var resp ReportResp
	msg := NewMessage(req, &resp)
	if err := msg.Issue(d.h, GetReport); err != nil {
		return nil, fmt.Errorf("failed to get attestation report: %w", err)
	}

	return reportOf(GetReport, &resp)
}

// ExtendedReport requests an attestation report together with the certificate
// table provided by the hypervisor. If the hypervisor reports that the
// certificates do not fit, the request is repeated once with a buffer of the
// reported size.
func (d *Device) ExtendedReport(userData []byte, vmpl uint32) ([]byte, []byte, error) {
	if d == nil {
		return nil, nil, errors.New("internal error: device object is nil")
	}

	r, err := reportRequest(userData, vmpl)
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("Requesting extended SNP attestation report on VMPL %v", vmpl)

	certs := make([]byte, certsSize)
	var resp ReportResp
	var req ExtReportReq

	for attempt := 0; ; attempt++ {
		var pinner runtime.Pinner
		req = ExtReportReq{
			Data:         *r,
			CertsAddress: ioctl.BufferAddr(&pinner, certs),
			CertsLen:     uint32(len(certs)),
		}
		msg := NewMessage(&req, &resp)
		err = msg.Issue(d.h, GetExtReport)
		pinner.Unpin()
		if err == nil {
			break
		}
		if attempt > 0 || msg.VmmError() != VmmErrInvalidLen || int(req.CertsLen) <= len(certs) {
			return nil, nil, fmt.Errorf("failed to get extended attestation report: %w", err)
		}
		log.Debugf("Hypervisor requested a certificate buffer of %v bytes", req.CertsLen)
		certs = make([]byte, req.CertsLen)
	}

	report, err := reportOf(GetExtReport, &resp)
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("Fetched extended SNP attestation report with certs length %v", req.CertsLen)

	return report, certs[:min(int(req.CertsLen), len(certs))], nil
}

// DerivedKey requests a key derived from the given root key and guest fields
func (d *Device) DerivedKey(req *DerivedKeyReq) ([DerivedKeySize]byte, error) {
	if d == nil {
		return [DerivedKeySize]byte{}, errors.New("internal error: device object is nil")
	}
	if req == nil {
		return [DerivedKeySize]byte{}, errors.New("internal error: key request is nil")
	}

	log.Debugf("Requesting derived key from root key %v with fields 0x%x", req.RootKeySelect,
		req.GuestFieldSelect)

	var resp DerivedKeyResp
	if err := NewMessage(req, &resp).Issue(d.h, GetDerivedKey); err != nil {
		return [DerivedKeySize]byte{}, fmt.Errorf("failed to get derived key: %w", err)
	}
	if err := ioctl.Translate(GetDerivedKey, 0, 0, resp.Status()); err != nil {
		return [DerivedKeySize]byte{}, fmt.Errorf("failed to get derived key: %w", err)
	}

	return resp.Key(), nil
}

func reportRequest(userData []byte, vmpl uint32) (*ReportReq, error) {
	if len(userData) > UserDataSize {
		return nil, fmt.Errorf("user data must be at most %v bytes", UserDataSize)
	}
	req := &ReportReq{Vmpl: vmpl}
	copy(req.UserData[:], userData)
	return req, nil
}

func reportOf(r ioc.Request, resp *ReportResp) ([]byte, error) {
	if err := ioctl.Translate(r, 0, 0, resp.Status()); err != nil {
		return nil, fmt.Errorf("failed to get attestation report: %w", err)
	}
	report, err := resp.Report()
	if err != nil {
		return nil, fmt.Errorf("failed to get attestation report: %w", err)
	}
	return report, nil
}
