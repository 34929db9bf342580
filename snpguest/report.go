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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/go-configfs-tsm/configfs/linuxtsm"
	"github.com/google/go-configfs-tsm/report"
	sabi "github.com/google/go-sev-guest/abi"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
)

// CertTableEntry is an entry of the certificate table returned with extended
// reports. The table is terminated by an all-zero entry.
type CertTableEntry struct {
	Guid   [16]byte
	Offset uint32
	Length uint32
}

// Cert is a certificate found in the certificate table
type Cert struct {
	Guid string `json:"guid"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// VlekGUID identifies the Versioned Loaded Endorsement Key certificate in the
// certificate table
const VlekGUID = "a8074bc2-a25a-483e-aae6-39c045a0b8a1"

var getTsmReport = linuxtsm.GetReport

// keySelectionOffset is the offset of the signer info field in a raw report
const keySelectionOffset = 0x48

var certNames = map[string]string{
	sabi.ArkGUID:  "ARK",
	sabi.AskGUID:  "ASK",
	sabi.VcekGUID: "VCEK",
	VlekGUID:      "VLEK",
}

// ParseReport decodes a raw attestation report
func ParseReport(raw []byte) (*spb.Report, error) {
	if len(raw) < sabi.ReportSize {
		return nil, fmt.Errorf("raw report is too small: %d bytes", len(raw))
	}
	r, err := sabi.ReportToProto(raw[:sabi.ReportSize])
	if err != nil {
		return nil, fmt.Errorf("could not parse attestation report: %w", err)
	}
	return r, nil
}

// KeySelection returns the signer info field of a raw attestation report. Bits
// [4:2] select the key that signed the report.
func KeySelection(raw []byte) (uint32, error) {
	if len(raw) < sabi.ReportSize {
		return 0, fmt.Errorf("raw report is too small: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint32(raw[keySelectionOffset:]), nil
}

// MarshalReport encodes a decoded attestation report as indented JSON
func MarshalReport(r *spb.Report) ([]byte, error) {
	if r == nil {
		return nil, errors.New("internal error: report is nil")
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "    "}.Marshal(r)
}

// ParseCertTable returns all certificates of a certificate table
func ParseCertTable(certs []byte) ([]Cert, error) {
	var entries []Cert

	b := bytes.NewBuffer(certs)
	for {
		var entry CertTableEntry
		if err := binary.Read(b, binary.LittleEndian, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode cert table entry: %w", err)
		}
		if entry == (CertTableEntry{}) {
			log.Debugf("Reached last (zero) SNP cert table entry")
			break
		}

		// GUIDs are stored in RFC 4122 byte order
		guid, err := uuid.FromBytes(entry.Guid[:])
		if err != nil {
			return nil, fmt.Errorf("invalid cert table GUID: %w", err)
		}
		end := uint64(entry.Offset) + uint64(entry.Length)
		if end > uint64(len(certs)) {
			return nil, fmt.Errorf("cert table entry %v exceeds table (offset %v length %v)",
				guid, entry.Offset, entry.Length)
		}

		log.Debugf("Found cert table entry %v offset %v length %v", guid, entry.Offset,
			entry.Length)

		entries = append(entries, Cert{
			Guid: guid.String(),
			Name: certNames[guid.String()],
			Data: certs[entry.Offset:end],
		})
	}

	return entries, nil
}

// Certificate returns the certificate with the given GUID from a certificate
// table, e.g. abi.VcekGUID
func Certificate(certs []byte, guid string) ([]byte, error) {
	table := new(sabi.CertTable)
	if err := table.Unmarshal(certs); err != nil {
		return nil, fmt.Errorf("could not parse certificate table: %w", err)
	}
	cert, err := table.GetByGUIDString(guid)
	if err != nil {
		return nil, fmt.Errorf("could not find certificate %v: %w", guid, err)
	}
	return cert, nil
}

// TsmReport requests an attestation report through the configfs TSM report
// interface instead of the guest device. The auxiliary blob holds the
// certificate table.
func TsmReport(userData []byte, vmpl uint32, withCerts bool) ([]byte, []byte, error) {
	req, err := reportRequest(userData, vmpl)
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("Fetching SNP attestation report via configfs on VMPL %v", vmpl)

	resp, err := getTsmReport(&report.Request{
		InBlob:     req.UserData[:],
		Privilege:  &report.Privilege{Level: uint(vmpl)},
		GetAuxBlob: withCerts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get SNP report via configfs: %w", err)
	}

	return resp.OutBlob, resp.AuxBlob, nil
}
