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

package internal

import (
	"fmt"

	"github.com/Fraunhofer-AISEC/sevioctl/snpguest"
	sabi "github.com/google/go-sev-guest/abi"
)

// AkType is the key that signed an SNP attestation report
type AkType byte

const (
	UNKNOWN AkType = iota
	VCEK
	VLEK
	NONE
)

func (t AkType) String() string {
	switch t {
	case VCEK:
		return "vcek"
	case VLEK:
		return "vlek"
	case NONE:
		return "none"
	default:
		return "unknown"
	}
}

// Guid returns the certificate table GUID of the key's certificate, or an empty
// string if the key has no certificate
func (t AkType) Guid() string {
	switch t {
	case VCEK:
		return sabi.VcekGUID
	case VLEK:
		return snpguest.VlekGUID
	default:
		return ""
	}
}

// GetAkType returns the signing key from the signer info (KEY_SELECTION) field
// of an SNP attestation report
func GetAkType(keySelection uint32) (AkType, error) {
	arkey := (keySelection >> 2) & 0x7
	switch arkey {
	case 0:
		log.Debug("VCEK is used to sign attestation report")
		return VCEK, nil
	case 1:
		log.Debug("VLEK is used to sign attestation report")
		return VLEK, nil
	case 7:
		log.Debug("Attestation report is not signed")
		return NONE, nil
	default:
		return UNKNOWN, fmt.Errorf("unknown AK type %v", arkey)
	}
}
