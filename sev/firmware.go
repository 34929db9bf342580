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

package sev

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
)

// DefaultDevice is the path of the SEV firmware device node
const DefaultDevice = "/dev/sev"

// Initial buffer sizes for commands with variable length output. The driver
// reports the required length if a buffer is too small.
const (
	idSize        = 64
	certSize      = 0x824
	certChainSize = 3 * certSize
)

// Firmware issues SEV commands on a device handle. The handle is owned by the
// caller unless the firmware was created through Open.
type Firmware struct {
	h    ioctl.Handle
	file *os.File
}

// NewFirmware returns a Firmware issuing commands on the caller-owned handle h
func NewFirmware(h ioctl.Handle) *Firmware {
	return &Firmware{h: h}
}

// Open opens the SEV device at path, or DefaultDevice if path is empty
func Open(path string) (*Firmware, error) {
	if path == "" {
		path = DefaultDevice
	}
	log.Debugf("Opening SEV device %v", path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open SEV device: %w", err)
	}
	return &Firmware{h: f, file: f}, nil
}

// Close closes the device if it was opened by Open
func (fw *Firmware) Close() error {
	if fw == nil || fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

// PlatformStatus queries the SEV platform status
func (fw *Firmware) PlatformStatus() (*PlatformStatus, error) {
	if fw == nil {
		return nil, errors.New("internal error: firmware object is nil")
	}

	log.Debug("Querying SEV platform status")

	var status PlatformStatus
	if err := FromMut(&status).Issue(fw.h); err != nil {
		return nil, fmt.Errorf("failed to get platform status: %w", err)
	}

	log.Debugf("SEV API version %v build %v, state %v", status.Version(), status.Build,
		status.State)

	return &status, nil
}

// SnpPlatformStatus queries the SEV-SNP platform status
func (fw *Firmware) SnpPlatformStatus() (*SnpPlatformStatus, error) {
	if fw == nil {
		return nil, errors.New("internal error: firmware object is nil")
	}

	log.Debug("Querying SNP platform status")

	var status SnpPlatformStatus
	if err := FromMut(&status).Issue(fw.h); err != nil {
		return nil, fmt.Errorf("failed to get SNP platform status: %w", err)
	}

	log.Debugf("SNP API version %v build %v, state %v", status.Version(), status.BuildId,
		status.State)

	return &status, nil
}

// Identifier returns the unique chip ID (GET_ID2)
func (fw *Firmware) Identifier() ([]byte, error) {
	if fw == nil {
		return nil, errors.New("internal error: firmware object is nil")
	}

	log.Debug("Fetching SEV chip ID")

	id, err := fetch(idSize, func(buf []byte) (uint32, error) {
		var pinner runtime.Pinner
		defer pinner.Unpin()

		req := GetId2{
			Address: ioctl.BufferAddr(&pinner, buf),
			Length:  uint32(len(buf)),
		}
		err := FromMut(&req).Issue(fw.h)
		return req.Length, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chip ID: %w", err)
	}
	return id, nil
}

// PekCsr generates a certificate signing request for the platform endorsement key
func (fw *Firmware) PekCsr() ([]byte, error) {
	if fw == nil {
		return nil, errors.New("internal error: firmware object is nil")
	}

	log.Debug("Generating PEK CSR")

	csr, err := fetch(certSize, func(buf []byte) (uint32, error) {
		var pinner runtime.Pinner
		defer pinner.Unpin()

		req := PekCsr{
			Address: ioctl.BufferAddr(&pinner, buf),
			Length:  uint32(len(buf)),
		}
		err := FromMut(&req).Issue(fw.h)
		return req.Length, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate PEK CSR: %w", err)
	}
	return csr, nil
}

// PdhCertExport exports the PDH certificate and the platform certificate chain
func (fw *Firmware) PdhCertExport() ([]byte, []byte, error) {
	if fw == nil {
		return nil, nil, errors.New("internal error: firmware object is nil")
	}

	log.Debug("Exporting PDH certificate and certificate chain")

	pdh := make([]byte, certSize)
	chain := make([]byte, certChainSize)
	var req PdhCertExport

	for attempt := 0; attempt < 2; attempt++ {
		var pinner runtime.Pinner
		req = PdhCertExport{
			PdhCertAddress:   ioctl.BufferAddr(&pinner, pdh),
			PdhCertLength:    uint32(len(pdh)),
			CertChainAddress: ioctl.BufferAddr(&pinner, chain),
			CertChainLength:  uint32(len(chain)),
		}
		err := FromMut(&req).Issue(fw.h)
		pinner.Unpin()
		if err == nil {
			return pdh[:min(int(req.PdhCertLength), len(pdh))],
				chain[:min(int(req.CertChainLength), len(chain))], nil
		}
		if attempt > 0 {
			return nil, nil, fmt.Errorf("failed to export PDH certificate: %w", err)
		}
		grewPdh := grow(&pdh, req.PdhCertLength)
		grewChain := grow(&chain, req.CertChainLength)
		if !grewPdh && !grewChain {
			return nil, nil, fmt.Errorf("failed to export PDH certificate: %w", err)
		}
		log.Debugf("Driver requested buffers of %v and %v bytes", req.PdhCertLength,
			req.CertChainLength)
	}

	return nil, nil, errors.New("internal error: PDH export loop exited")
}

// FactoryReset resets the platform to its factory state
func (fw *Firmware) FactoryReset() error {
	return issue(fw, From(&FactoryReset{}), "factory reset")
}

// PekGen regenerates the platform endorsement key
func (fw *Firmware) PekGen() error {
	return issue(fw, From(&PekGen{}), "PEK generation")
}

// PdhGen regenerates the platform Diffie-Hellman key
func (fw *Firmware) PdhGen() error {
	return issue(fw, From(&PdhGen{}), "PDH generation")
}

// SnpCommit commits the current SNP firmware, preventing rollback to older versions
func (fw *Firmware) SnpCommit() error {
	return issue(fw, From(&SnpCommit{}), "SNP commit")
}

// SnpSetConfig sets the SNP platform configuration
func (fw *Firmware) SnpSetConfig(c *SnpConfig) error {
	if c == nil {
		return errors.New("internal error: SNP config is nil")
	}
	return issue(fw, From(c), "SNP set config")
}

func issue[T Id](fw *Firmware, c *Command[T], what string) error {
	if fw == nil {
		return errors.New("internal error: firmware object is nil")
	}
	log.Debugf("Issuing SEV %v (command %v)", what, (*c.Payload()).Id())
	if err := c.Issue(fw.h); err != nil {
		return fmt.Errorf("failed to perform %v: %w", what, err)
	}
	return nil
}

// fetch runs a command with an output of unknown length. If the first attempt
// fails and the driver reported a larger required length, the command is issued
// once more with a buffer of that length.
func fetch(hint int, run func(buf []byte) (uint32, error)) ([]byte, error) {
	buf := make([]byte, hint)

	n, err := run(buf)
	if err != nil {
		if !grow(&buf, n) {
			return nil, err
		}
		log.Debugf("Driver requested a buffer of %v bytes", n)
		n, err = run(buf)
		if err != nil {
			return nil, err
		}
	}

	return buf[:min(int(n), len(buf))], nil
}

// grow reallocates buf if the driver requested more than len(buf) bytes
func grow(buf *[]byte, requested uint32) bool {
	if int(requested) <= len(*buf) {
		return false
	}
	*buf = make([]byte, requested)
	return true
}
