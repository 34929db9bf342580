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

// Command codes of enum sev_cmd_id (arch/x86/include/uapi/asm/kvm.h)
const (
	InitId             uint32 = 0
	EsInitId           uint32 = 1
	LaunchStartId      uint32 = 2
	LaunchUpdateDataId uint32 = 3
	LaunchUpdateVmsaId uint32 = 4
	LaunchSecretId     uint32 = 5
	LaunchMeasureId    uint32 = 6
	LaunchFinishId     uint32 = 7
	GuestStatusId      uint32 = 16
)

// Init is KVM_SEV_INIT, which has no parameters
type Init struct{}

func (Init) Id() uint32 { return InitId }

// EsInit is KVM_SEV_ES_INIT, which has no parameters
type EsInit struct{}

func (EsInit) Id() uint32 { return EsInitId }

// LaunchStart is struct kvm_sev_launch_start
type LaunchStart struct {
	Handle       uint32 `json:"handle"`
	Policy       uint32 `json:"policy"`
	DhUaddr      uint64 `json:"dhUaddr"`
	DhLen        uint32 `json:"dhLen"`
	_            uint32
	SessionUaddr uint64 `json:"sessionUaddr"`
	SessionLen   uint32 `json:"sessionLen"`
	_            uint32
}

func (LaunchStart) Id() uint32 { return LaunchStartId }

// LaunchUpdateData is struct kvm_sev_launch_update_data
type LaunchUpdateData struct {
	Uaddr uint64 `json:"uaddr"`
	Len   uint32 `json:"len"`
	_     uint32
}

func (LaunchUpdateData) Id() uint32 { return LaunchUpdateDataId }

// LaunchUpdateVmsa is KVM_SEV_LAUNCH_UPDATE_VMSA, which has no parameters
type LaunchUpdateVmsa struct{}

func (LaunchUpdateVmsa) Id() uint32 { return LaunchUpdateVmsaId }

// LaunchSecret is struct kvm_sev_launch_secret
type LaunchSecret struct {
	HdrUaddr   uint64 `json:"hdrUaddr"`
	HdrLen     uint32 `json:"hdrLen"`
	_          uint32
	GuestUaddr uint64 `json:"guestUaddr"`
	GuestLen   uint32 `json:"guestLen"`
	_          uint32
	TransUaddr uint64 `json:"transUaddr"`
	TransLen   uint32 `json:"transLen"`
	_          uint32
}

func (LaunchSecret) Id() uint32 { return LaunchSecretId }

// LaunchMeasure is struct kvm_sev_launch_measure
type LaunchMeasure struct {
	Uaddr uint64 `json:"uaddr"`
	Len   uint32 `json:"len"`
	_     uint32
}

func (LaunchMeasure) Id() uint32 { return LaunchMeasureId }

// LaunchFinish is KVM_SEV_LAUNCH_FINISH, which has no parameters
type LaunchFinish struct{}

func (LaunchFinish) Id() uint32 { return LaunchFinishId }

// GuestState is the state of an SEV guest
type GuestState uint32

const (
	GuestStateUninit    GuestState = 0
	GuestStateLaunching GuestState = 1
	GuestStateLaunched  GuestState = 2
	GuestStateSending   GuestState = 3
	GuestStateReceiving GuestState = 4
	GuestStateRunning   GuestState = 5
)

func (s GuestState) String() string {
	switch s {
	case GuestStateUninit:
		return "UNINIT"
	case GuestStateLaunching:
		return "LUPDATE"
	case GuestStateLaunched:
		return "LSECRET"
	case GuestStateSending:
		return "SUPDATE"
	case GuestStateReceiving:
		return "RUPDATE"
	case GuestStateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// GuestStatus is struct kvm_sev_guest_status
type GuestStatus struct {
	Handle uint32     `json:"handle"`
	Policy uint32     `json:"policy"`
	State  GuestState `json:"state"`
}

func (GuestStatus) Id() uint32 { return GuestStatusId }
