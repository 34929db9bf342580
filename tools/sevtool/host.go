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

package main

import (
	"fmt"
	"io"

	"github.com/Fraunhofer-AISEC/sevioctl/internal"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/Fraunhofer-AISEC/sevioctl/sev"
)

type pdhCerts struct {
	Pdh       internal.HexByte `json:"pdh" cbor:"0,keyasint"`
	CertChain internal.HexByte `json:"certChain" cbor:"1,keyasint"`
}

func withFirmware(c *Config, f func(fw *sev.Firmware) error) error {
	fw, err := sev.Open(c.SevDevice)
	if err != nil {
		return err
	}
	defer fw.Close()
	return f(fw)
}

func platformStatus(c *Config) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		s, err := fw.PlatformStatus()
		if err != nil {
			return err
		}
		return writeResult(c, s, func(w io.Writer) {
			fmt.Fprintf(w, "API Version:      %v\n", s.Version())
			fmt.Fprintf(w, "Build:            %v\n", s.Build)
			fmt.Fprintf(w, "State:            %v\n", s.State)
			fmt.Fprintf(w, "Owner:            %v\n", owner(s.ExternallyOwned()))
			fmt.Fprintf(w, "SEV-ES:           %v\n", s.EsInitialized())
			fmt.Fprintf(w, "Guests:           %v\n", s.GuestCount)
		})
	})
}

func owner(external bool) string {
	if external {
		return "external"
	}
	return "self"
}

func snpPlatformStatus(c *Config) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		s, err := fw.SnpPlatformStatus()
		if err != nil {
			return err
		}
		return writeResult(c, s, func(w io.Writer) {
			supported, enabled := s.CiphertextHiding()
			fmt.Fprintf(w, "API Version:       %v\n", s.Version())
			fmt.Fprintf(w, "Build:             %v\n", s.BuildId)
			fmt.Fprintf(w, "State:             %v\n", s.State)
			fmt.Fprintf(w, "RMP Initialized:   %v\n", s.RmpInitialized())
			fmt.Fprintf(w, "Mask Chip ID:      %v\n", s.MaskChipId())
			fmt.Fprintf(w, "Mask Chip Key:     %v\n", s.MaskChipKey())
			fmt.Fprintf(w, "VLEK Enabled:      %v\n", s.VlekEnabled())
			fmt.Fprintf(w, "Feature Info:      %v\n", s.FeatureInfo())
			fmt.Fprintf(w, "RAPL Disabled:     %v\n", s.RaplDisabled())
			fmt.Fprintf(w, "Ciphertext Hiding: supported %v, enabled %v\n", supported, enabled)
			fmt.Fprintf(w, "Guests:            %v\n", s.GuestCount)
			fmt.Fprintf(w, "Current TCB:       0x%016x\n", s.CurrentTcbVersion)
			fmt.Fprintf(w, "Reported TCB:      0x%016x\n", s.ReportedTcbVersion)
		})
	})
}

func getId(c *Config) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		id, err := fw.Identifier()
		if err != nil {
			return err
		}
		return writeBlob(c, "id", id)
	})
}

func pekCsr(c *Config) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		csr, err := fw.PekCsr()
		if err != nil {
			return err
		}
		return writeBlob(c, "pekCsr", csr)
	})
}

func pdhCertExport(c *Config) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		pdh, chain, err := fw.PdhCertExport()
		if err != nil {
			return err
		}
		certs := pdhCerts{Pdh: pdh, CertChain: chain}
		return writeResult(c, certs, func(w io.Writer) {
			fmt.Fprintf(w, "PDH:        %v\n", certs.Pdh)
			fmt.Fprintf(w, "Cert Chain: %v\n", certs.CertChain)
		})
	})
}

// platformCommand runs a firmware command without output and reports the outcome
func platformCommand(c *Config, run func(fw *sev.Firmware) error) error {
	return withFirmware(c, func(fw *sev.Firmware) error {
		if err := run(fw); err != nil {
			return err
		}
		return writeOutcome(c, nil)
	})
}

func snpSetConfig(c *Config) error {
	tcb, err := c.tcbVersion()
	if err != nil {
		return err
	}
	cfg := sev.SnpConfig{ReportedTcb: tcb}
	cfg.SetMaskChipId(c.MaskChipId)
	cfg.SetMaskChipKey(c.MaskChipKey)

	return platformCommand(c, func(fw *sev.Firmware) error {
		return fw.SnpSetConfig(&cfg)
	})
}

func writeOutcome(c *Config, err error) error {
	o := ioctl.Describe(err)
	return writeResult(c, o, func(w io.Writer) {
		if o.Message != "" {
			fmt.Fprintf(w, "%v: %v\n", o.Level, o.Message)
		} else {
			fmt.Fprintf(w, "%v\n", o.Name)
		}
	})
}
