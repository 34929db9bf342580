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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Fraunhofer-AISEC/sevioctl/internal"
	"github.com/Fraunhofer-AISEC/sevioctl/snpguest"
)

type derivedKey struct {
	RootKey string           `json:"rootKey" cbor:"0,keyasint"`
	Fields  uint64           `json:"fields" cbor:"1,keyasint"`
	Key     internal.HexByte `json:"key" cbor:"2,keyasint"`
}

type certList struct {
	Certs []snpguest.Cert `json:"certs" cbor:"0,keyasint"`
}

func withDevice(c *Config, f func(d *snpguest.Device) error) error {
	d, err := snpguest.Open(c.GuestDevice)
	if err != nil {
		return err
	}
	defer d.Close()
	return f(d)
}

func getReport(c *Config) error {
	userData, err := c.userData()
	if err != nil {
		return err
	}

	var report []byte
	if c.Tsm {
		report, _, err = snpguest.TsmReport(userData, uint32(c.Vmpl), false)
	} else {
		err = withDevice(c, func(d *snpguest.Device) error {
			report, err = d.Report(userData, uint32(c.Vmpl))
			return err
		})
	}
	if err != nil {
		return err
	}

	return writeBlob(c, "report", report)
}

func getExtReport(c *Config) error {
	userData, err := c.userData()
	if err != nil {
		return err
	}

	var report, certs []byte
	if c.Tsm {
		report, certs, err = snpguest.TsmReport(userData, uint32(c.Vmpl), true)
	} else {
		err = withDevice(c, func(d *snpguest.Device) error {
			report, certs, err = d.ExtendedReport(userData, uint32(c.Vmpl))
			return err
		})
	}
	if err != nil {
		return err
	}

	if c.CertsDir != "" {
		if err := storeCerts(c.CertsDir, report, certs); err != nil {
			return err
		}
	}

	return writeBlob(c, "report", report)
}

// storeCerts writes all certificates of a certificate table into dir, X.509
// certificates in PEM format. The certificate of the key that signed report is
// additionally stored as ak.
func storeCerts(dir string, report, certs []byte) error {
	if len(certs) == 0 {
		log.Warn("Hypervisor did not provide certificates")
		return nil
	}

	entries, err := snpguest.ParseCertTable(certs)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %v: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.Guid
		}
		if err := writeCert(dir, strings.ToLower(name), e.Data); err != nil {
			return err
		}
	}

	ak, cert, err := akCertificate(report, certs)
	if err != nil {
		return err
	}
	if cert == nil {
		log.Warnf("No certificate for signing key %v provided", ak)
		return nil
	}
	return writeCert(dir, "ak", cert)
}

// akCertificate returns the certificate table entry of the key that signed
// report, or nil if the report is not signed
func akCertificate(report, certs []byte) (internal.AkType, []byte, error) {
	sel, err := snpguest.KeySelection(report)
	if err != nil {
		return internal.UNKNOWN, nil, err
	}
	ak, err := internal.GetAkType(sel)
	if err != nil {
		return ak, nil, err
	}
	if ak.Guid() == "" {
		return ak, nil, nil
	}

	log.Debugf("Report signed by %v, looking up certificate %v", ak, ak.Guid())

	cert, err := snpguest.Certificate(certs, ak.Guid())
	if err != nil {
		return ak, nil, err
	}
	return ak, cert, nil
}

func writeCert(dir, name string, data []byte) error {
	file := filepath.Join(dir, name+".bin")
	if cert, err := internal.ParseCert(data); err == nil {
		data = internal.WriteCertPem(cert)
		file = filepath.Join(dir, name+".pem")
	} else {
		log.Debugf("Certificate %v is not an X.509 certificate: %v", name, err)
	}

	if err := os.WriteFile(file, data, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	log.Infof("Wrote %v", file)

	return nil
}

func parseReport(c *Config) error {
	if c.In == "" {
		return errors.New("no input report specified")
	}
	if c.Format == formatCbor {
		return errors.New("reports can only be parsed into text or JSON")
	}

	data, err := internal.GetFile(c.In, nil)
	if err != nil {
		return err
	}

	report, err := snpguest.ParseReport(data)
	if err != nil {
		return err
	}

	sel, err := snpguest.KeySelection(data)
	if err != nil {
		return err
	}
	ak, err := internal.GetAkType(sel)
	if err != nil {
		log.Warnf("Failed to determine report signing key: %v", err)
	} else {
		log.Infof("Report signed by %v", ak)
	}

	out, err := snpguest.MarshalReport(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return writeOut(c, append(out, '\n'))
}

func parseCerts(c *Config) error {
	if c.In == "" {
		return errors.New("no input certificate table specified")
	}

	data, err := internal.GetFile(c.In, nil)
	if err != nil {
		return err
	}

	entries, err := snpguest.ParseCertTable(data)
	if err != nil {
		return err
	}

	return writeResult(c, certList{Certs: entries}, func(w io.Writer) {
		for _, e := range entries {
			fmt.Fprintf(w, "%-36v %-4v %v bytes\n", e.Guid, e.Name, len(e.Data))
		}
	})
}

func deriveKey(c *Config) error {
	req, err := c.keyRequest()
	if err != nil {
		return err
	}

	var key [snpguest.DerivedKeySize]byte
	err = withDevice(c, func(d *snpguest.Device) error {
		key, err = d.DerivedKey(req)
		return err
	})
	if err != nil {
		return err
	}

	result := derivedKey{
		RootKey: c.RootKey,
		Fields:  req.GuestFieldSelect,
		Key:     key[:],
	}
	return writeResult(c, result, func(w io.Writer) {
		fmt.Fprintf(w, "%v\n", result.Key)
	})
}
