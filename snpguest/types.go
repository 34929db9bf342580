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
	"encoding/binary"
	"fmt"

	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	sabi "github.com/google/go-sev-guest/abi"
)

// UserDataSize is the size of the guest provided data included in a report
const UserDataSize = 64

// Sizes of the firmware response messages
const (
	reportRespSize     = 4000
	derivedKeyRespSize = 64

	reportHeaderSize = 32
	keyHeaderSize    = 32
	DerivedKeySize   = 32
)

// ReportReq is struct snp_report_req
type ReportReq struct {
	UserData [UserDataSize]byte `json:"userData"`
	Vmpl     uint32             `json:"vmpl"`
	_        [28]byte
}

// ReportResp is struct snp_report_resp. The data contains the firmware response
// message: a status, the size of the report and the report itself.
type ReportResp struct {
	Data [reportRespSize]byte
}

// Status returns the firmware status of the response message
func (r *ReportResp) Status() ioctl.Status {
	return ioctl.Status(binary.LittleEndian.Uint32(r.Data[0:4]))
}

// Report returns the attestation report contained in the response message
func (r *ReportResp) Report() ([]byte, error) {
	size := binary.LittleEndian.Uint32(r.Data[4:8])
	if size < sabi.ReportSize || size > reportRespSize-reportHeaderSize {
		return nil, fmt.Errorf("invalid report size %v", size)
	}
	report := make([]byte, size)
	copy(report, r.Data[reportHeaderSize:reportHeaderSize+size])
	return report, nil
}

// ExtReportReq is struct snp_ext_report_req. The driver writes the required
// length into CertsLen if the certificate buffer is too small.
type ExtReportReq struct {
	Data         ReportReq `json:"data"`
	CertsAddress uint64    `json:"certsAddress"`
	CertsLen     uint32    `json:"certsLen"`
	_            uint32
}

// Root keys for key derivation
const (
	RootKeyVcek uint32 = 0
	RootKeyVmrk uint32 = 1
)

// Guest fields mixed into a derived key
const (
	FieldGuestPolicy uint64 = 1 << 0
	FieldImageId     uint64 = 1 << 1
	FieldFamilyId    uint64 = 1 << 2
	FieldMeasurement uint64 = 1 << 3
	FieldGuestSvn    uint64 = 1 << 4
	FieldTcbVersion  uint64 = 1 << 5
)

// DerivedKeyReq is struct snp_derived_key_req
type DerivedKeyReq struct {
	RootKeySelect    uint32 `json:"rootKeySelect"`
	_                uint32
	GuestFieldSelect uint64 `json:"guestFieldSelect"`
	Vmpl             uint32 `json:"vmpl"`
	GuestSvn         uint32 `json:"guestSvn"`
	TcbVersion       uint64 `json:"tcbVersion"`
}

// DerivedKeyResp is struct snp_derived_key_resp
type DerivedKeyResp struct {
	Data [derivedKeyRespSize]byte
}

// Status returns the firmware status of the response message
func (r *DerivedKeyResp) Status() ioctl.Status {
	return ioctl.Status(binary.LittleEndian.Uint32(r.Data[0:4]))
}

// Key returns the derived key contained in the response message
func (r *DerivedKeyResp) Key() [DerivedKeySize]byte {
	var key [DerivedKeySize]byte
	copy(key[:], r.Data[keyHeaderSize:])
	return key
}
