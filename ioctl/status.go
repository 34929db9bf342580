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

package ioctl

import (
	"fmt"
	"sort"
)

// Status is a status code reported by the AMD secure processor firmware, see
// enum sev_ret_code in include/uapi/linux/psp-sev.h and the SEV / SEV-SNP firmware
// ABI specifications
type Status uint32

const (
	Success                 Status = 0x00
	InvalidPlatformState    Status = 0x01
	InvalidGuestState       Status = 0x02
	InvalidConfig           Status = 0x03
	InvalidLen              Status = 0x04
	AlreadyOwned            Status = 0x05
	InvalidCertificate      Status = 0x06
	PolicyFailure           Status = 0x07
	Inactive                Status = 0x08
	InvalidAddress          Status = 0x09
	BadSignature            Status = 0x0A
	BadMeasurement          Status = 0x0B
	AsidOwned               Status = 0x0C
	InvalidAsid             Status = 0x0D
	WbinvdRequired          Status = 0x0E
	DfFlushRequired         Status = 0x0F
	InvalidGuest            Status = 0x10
	InvalidCommand          Status = 0x11
	Active                  Status = 0x12
	HardwarePlatform        Status = 0x13
	HardwareUnsafe          Status = 0x14
	Unsupported             Status = 0x15
	InvalidParam            Status = 0x16
	ResourceLimit           Status = 0x17
	SecureDataInvalid       Status = 0x18
	InvalidPageSize         Status = 0x19
	InvalidPageState        Status = 0x1A
	InvalidMdataEntry       Status = 0x1B
	InvalidPageOwner        Status = 0x1C
	AeadOverflow            Status = 0x1D
	ExitRingBuffer          Status = 0x1F
	RmpInitRequired         Status = 0x20
	BadSvn                  Status = 0x21
	BadVersion              Status = 0x22
	ShutdownRequired        Status = 0x23
	UpdateFailed            Status = 0x24
	RestoreRequired         Status = 0x25
	RmpInitializationFailed Status = 0x26
	InvalidKey              Status = 0x27

	// NoFirmwareCall is set by the kernel if a command failed before the firmware
	// was invoked
	NoFirmwareCall Status = 0xFFFFFFFF
)

type statusInfo struct {
	name        string
	description string
}

var statusTable = map[Status]statusInfo{
	Success:                 {"SUCCESS", "Success"},
	InvalidPlatformState:    {"INVALID_PLATFORM_STATE", "Invalid platform state"},
	InvalidGuestState:       {"INVALID_GUEST_STATE", "Invalid guest state"},
	InvalidConfig:           {"INVALID_CONFIG", "Platform configuration invalid"},
	InvalidLen:              {"INVALID_LEN", "Memory buffer too small"},
	AlreadyOwned:            {"ALREADY_OWNED", "Platform is already owned"},
	InvalidCertificate:      {"INVALID_CERTIFICATE", "Invalid certificate"},
	PolicyFailure:           {"POLICY_FAILURE", "Policy failure"},
	Inactive:                {"INACTIVE", "Guest is inactive"},
	InvalidAddress:          {"INVALID_ADDRESS", "Provided address is invalid"},
	BadSignature:            {"BAD_SIGNATURE", "Provided signature is invalid"},
	BadMeasurement:          {"BAD_MEASUREMENT", "Provided measurement is invalid"},
	AsidOwned:               {"ASID_OWNED", "ASID is already owned"},
	InvalidAsid:             {"INVALID_ASID", "ASID is invalid"},
	WbinvdRequired:          {"WBINVD_REQUIRED", "WBINVD instruction required"},
	DfFlushRequired:         {"DFFLUSH_REQUIRED", "DF_FLUSH invocation required"},
	InvalidGuest:            {"INVALID_GUEST", "Guest handle is invalid"},
	InvalidCommand:          {"INVALID_COMMAND", "Issued command is invalid"},
	Active:                  {"ACTIVE", "Guest is active"},
	HardwarePlatform:        {"HWERROR_PLATFORM", "Hardware condition occurred, safe to re-allocate parameter buffers"},
	HardwareUnsafe:          {"HWERROR_UNSAFE", "Hardware condition occurred, unsafe to re-allocate parameter buffers"},
	Unsupported:             {"UNSUPPORTED", "Feature is unsupported"},
	InvalidParam:            {"INVALID_PARAM", "Given parameter is invalid"},
	ResourceLimit:           {"RESOURCE_LIMIT", "SEV firmware has run out of required resources to carry out command"},
	SecureDataInvalid:       {"SECURE_DATA_INVALID", "SEV platform observed a failed integrity check"},
	InvalidPageSize:         {"INVALID_PAGE_SIZE", "RMP page size is incorrect"},
	InvalidPageState:        {"INVALID_PAGE_STATE", "RMP page state is incorrect"},
	InvalidMdataEntry:       {"INVALID_MDATA_ENTRY", "Metadata entry is invalid"},
	InvalidPageOwner:        {"INVALID_PAGE_OWNER", "Page ownership is incorrect"},
	AeadOverflow:            {"AEAD_OFLOW", "AEAD algorithm would have overflowed"},
	ExitRingBuffer:          {"EXIT_RING_BUFFER", "Ring buffer mode was exited"},
	RmpInitRequired:         {"RMP_INIT_REQUIRED", "RMP must be reinitialized"},
	BadSvn:                  {"BAD_SVN", "SVN of provided image is lower than the committed SVN"},
	BadVersion:              {"BAD_VERSION", "Firmware version anti-rollback check failed"},
	ShutdownRequired:        {"SHUTDOWN_REQUIRED", "SNP_SHUTDOWN is required"},
	UpdateFailed:            {"UPDATE_FAILED", "Firmware update failed"},
	RestoreRequired:         {"RESTORE_REQUIRED", "Installation of the firmware image must be restored"},
	RmpInitializationFailed: {"RMP_INITIALIZATION_FAILED", "RMP initialization failed"},
	InvalidKey:              {"INVALID_KEY", "Key requested is invalid, not present or not allowed"},
	NoFirmwareCall:          {"NO_FW_CALL", "Command failed before the firmware was called"},
}

// Known reports whether s is part of the documented firmware status table
func (s Status) Known() bool {
	_, ok := statusTable[s]
	return ok
}

// Name returns the firmware ABI name of the status, e.g. INVALID_PLATFORM_STATE
func (s Status) Name() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint32(s))
}

// Description returns a human readable description of the status
func (s Status) Description() string {
	if info, ok := statusTable[s]; ok {
		return info.description
	}
	return "Unknown error"
}

func (s Status) String() string {
	return s.Name()
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.Name()), nil
}

// Statuses returns all documented firmware status codes in ascending order
func Statuses() []Status {
	list := make([]Status, 0, len(statusTable))
	for s := range statusTable {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
