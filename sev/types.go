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
	"fmt"
)

// Command codes of enum sev_cmd (include/uapi/linux/psp-sev.h)
const (
	FactoryResetId      uint32 = 0
	PlatformStatusId    uint32 = 1
	PekGenId            uint32 = 2
	PekCsrId            uint32 = 3
	PdhGenId            uint32 = 4
	PdhCertExportId     uint32 = 5
	PekCertImportId     uint32 = 6
	GetIdId             uint32 = 7 // deprecated, use GET_ID2
	GetId2Id            uint32 = 8
	SnpPlatformStatusId uint32 = 9
	SnpCommitId         uint32 = 10
	SnpSetConfigId      uint32 = 11
	SnpVlekLoadId       uint32 = 12
)

// Version is the SEV firmware API version
type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// PlatformState is the state of the SEV platform
type PlatformState uint8

const (
	StateUninit  PlatformState = 0
	StateInit    PlatformState = 1
	StateWorking PlatformState = 2
)

func (s PlatformState) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateInit:
		return "INIT"
	case StateWorking:
		return "WORKING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// FactoryReset is SEV_FACTORY_RESET, which has no parameters
type FactoryReset struct{}

func (FactoryReset) Id() uint32 { return FactoryResetId }

// PekGen is SEV_PEK_GEN, which has no parameters
type PekGen struct{}

func (PekGen) Id() uint32 { return PekGenId }

// PdhGen is SEV_PDH_GEN, which has no parameters
type PdhGen struct{}

func (PdhGen) Id() uint32 { return PdhGenId }

// SnpCommit is SNP_COMMIT, which has no parameters
type SnpCommit struct{}

func (SnpCommit) Id() uint32 { return SnpCommitId }

// PlatformStatus is struct sev_user_data_status
type PlatformStatus struct {
	ApiMajor   uint8         `json:"apiMajor"`
	ApiMinor   uint8         `json:"apiMinor"`
	State      PlatformState `json:"state"`
	Flags      uint32        `json:"flags"`
	Build      uint8         `json:"build"`
	GuestCount uint32        `json:"guestCount"`
}

func (PlatformStatus) Id() uint32 { return PlatformStatusId }

const (
	platformFlagOwner    = 1 << 0
	platformFlagConfigEs = 1 << 8
)

// Version returns the firmware API version
func (s *PlatformStatus) Version() Version {
	return Version{Major: s.ApiMajor, Minor: s.ApiMinor}
}

// ExternallyOwned reports whether the platform is owned by an external entity
func (s *PlatformStatus) ExternallyOwned() bool {
	return s.Flags&platformFlagOwner != 0
}

// EsInitialized reports whether SEV-ES was initialized for the platform
func (s *PlatformStatus) EsInitialized() bool {
	return s.Flags&platformFlagConfigEs != 0
}

// PekCsr is struct sev_user_data_pek_csr
type PekCsr struct {
	Address uint64 `json:"address"`
	Length  uint32 `json:"length"`
}

func (PekCsr) Id() uint32 { return PekCsrId }

// PdhCertExport is struct sev_user_data_pdh_cert_export
type PdhCertExport struct {
	PdhCertAddress   uint64 `json:"pdhCertAddress"`
	PdhCertLength    uint32 `json:"pdhCertLength"`
	CertChainAddress uint64 `json:"certChainAddress"`
	CertChainLength  uint32 `json:"certChainLength"`
}

func (PdhCertExport) Id() uint32 { return PdhCertExportId }

// PekCertImport is struct sev_user_data_pek_cert_import
type PekCertImport struct {
	PekCertAddress uint64 `json:"pekCertAddress"`
	PekCertLength  uint32 `json:"pekCertLength"`
	OcaCertAddress uint64 `json:"ocaCertAddress"`
	OcaCertLength  uint32 `json:"ocaCertLength"`
}

func (PekCertImport) Id() uint32 { return PekCertImportId }

// GetId2 is struct sev_user_data_get_id2
type GetId2 struct {
	Address uint64 `json:"address"`
	Length  uint32 `json:"length"`
}

func (GetId2) Id() uint32 { return GetId2Id }

// SnpPlatformState is the state of the SEV-SNP platform
type SnpPlatformState uint8

func (s SnpPlatformState) String() string {
	switch s {
	case 0:
		return "UNINIT"
	case 1:
		return "INIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// SnpPlatformStatus is struct sev_user_data_snp_status
type SnpPlatformStatus struct {
	ApiMajor           uint8            `json:"apiMajor"`
	ApiMinor           uint8            `json:"apiMinor"`
	State              SnpPlatformState `json:"state"`
	RmpFlags           uint8            `json:"rmpFlags"`
	BuildId            uint32           `json:"buildId"`
	Flags              uint32           `json:"flags"`
	GuestCount         uint32           `json:"guestCount"`
	CurrentTcbVersion  uint64           `json:"currentTcbVersion"`
	ReportedTcbVersion uint64           `json:"reportedTcbVersion"`
}

func (SnpPlatformStatus) Id() uint32 { return SnpPlatformStatusId }

const (
	snpFlagMaskChipId          = 1 << 0
	snpFlagMaskChipKey         = 1 << 1
	snpFlagVlekEnabled         = 1 << 2
	snpFlagFeatureInfo         = 1 << 3
	snpFlagRaplDisabled        = 1 << 4
	snpFlagCiphertextHidingCap = 1 << 5
	snpFlagCiphertextHidingEn  = 1 << 6

	snpRmpFlagRmpInitialized = 1 << 0
)

// Version returns the SNP firmware API version
func (s *SnpPlatformStatus) Version() Version {
	return Version{Major: s.ApiMajor, Minor: s.ApiMinor}
}

// RmpInitialized reports whether the reverse map table is initialized
func (s *SnpPlatformStatus) RmpInitialized() bool {
	return s.RmpFlags&snpRmpFlagRmpInitialized != 0
}

// MaskChipId reports whether the chip ID is masked in attestation reports
func (s *SnpPlatformStatus) MaskChipId() bool {
	return s.Flags&snpFlagMaskChipId != 0
}

// MaskChipKey reports whether attestation reports are left unsigned
func (s *SnpPlatformStatus) MaskChipKey() bool {
	return s.Flags&snpFlagMaskChipKey != 0
}

// VlekEnabled reports whether a VLEK hashstick is loaded
func (s *SnpPlatformStatus) VlekEnabled() bool {
	return s.Flags&snpFlagVlekEnabled != 0
}

// FeatureInfo reports whether the SNP_FEATURE_INFO command is available
func (s *SnpPlatformStatus) FeatureInfo() bool {
	return s.Flags&snpFlagFeatureInfo != 0
}

// RaplDisabled reports whether RAPL is disabled
func (s *SnpPlatformStatus) RaplDisabled() bool {
	return s.Flags&snpFlagRaplDisabled != 0
}

// CiphertextHiding reports whether ciphertext hiding is supported and enabled
func (s *SnpPlatformStatus) CiphertextHiding() (supported, enabled bool) {
	return s.Flags&snpFlagCiphertextHidingCap != 0, s.Flags&snpFlagCiphertextHidingEn != 0
}

// SnpConfig is struct sev_user_data_snp_config
type SnpConfig struct {
	ReportedTcb uint64   `json:"reportedTcb"`
	Flags       uint32   `json:"flags"`
	Reserved    [52]byte `json:"-"`
}

func (SnpConfig) Id() uint32 { return SnpSetConfigId }

// SetMaskChipId sets whether the chip ID is masked in attestation reports
func (c *SnpConfig) SetMaskChipId(mask bool) {
	c.setFlag(snpFlagMaskChipId, mask)
}

// SetMaskChipKey sets whether attestation reports are left unsigned
func (c *SnpConfig) SetMaskChipKey(mask bool) {
	c.setFlag(snpFlagMaskChipKey, mask)
}

func (c *SnpConfig) setFlag(flag uint32, set bool) {
	if set {
		c.Flags |= flag
	} else {
		c.Flags &^= flag
	}
}
