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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/Fraunhofer-AISEC/sevioctl/kvm"
	"github.com/Fraunhofer-AISEC/sevioctl/sev"
	"github.com/Fraunhofer-AISEC/sevioctl/snpguest"
	"github.com/invopop/jsonschema"
)

type request struct {
	Value     string `json:"value" cbor:"0,keyasint"`
	Name      string `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Direction string `json:"direction" cbor:"2,keyasint"`
	Type      uint8  `json:"type" cbor:"3,keyasint"`
	Number    uint8  `json:"number" cbor:"4,keyasint"`
	Size      uint32 `json:"size" cbor:"5,keyasint"`
	Macro     string `json:"macro" cbor:"6,keyasint"`
}

type statusCode struct {
	Code        uint32 `json:"code" cbor:"0,keyasint"`
	Name        string `json:"name" cbor:"1,keyasint"`
	Description string `json:"description" cbor:"2,keyasint"`
}

// knownRequests are all ioctl requests issued by this module
var knownRequests = []struct {
	req  ioc.Request
	name string
}{
	{sev.IssueCmd, "SEV_ISSUE_CMD"},
	{kvm.EncOp, "KVM_MEMORY_ENCRYPT_OP"},
	{kvm.RegRegion, "KVM_MEMORY_ENCRYPT_REG_REGION"},
	{kvm.UnregRegion, "KVM_MEMORY_ENCRYPT_UNREG_REGION"},
	{snpguest.GetReport, "SNP_GET_REPORT"},
	{snpguest.GetDerivedKey, "SNP_GET_DERIVED_KEY"},
	{snpguest.GetExtReport, "SNP_GET_EXT_REPORT"},
}

func requestName(r ioc.Request) string {
	for _, k := range knownRequests {
		if k.req == r {
			return k.name
		}
	}
	return ""
}

// schemaTypes are the result types written by sevtool
var schemaTypes = []any{
	Config{},
	sev.PlatformStatus{},
	sev.SnpPlatformStatus{},
	kvm.GuestStatus{},
	ioctl.Outcome{},
	snpguest.Cert{},
	blob{},
	pdhCerts{},
	derivedKey{},
	request{},
	statusCode{},
}

func decodeRequest(r ioc.Request) request {
	return request{
		Value:     fmt.Sprintf("0x%08X", uint32(r)),
		Name:      requestName(r),
		Direction: r.Dir().String(),
		Type:      uint8(r.Type()),
		Number:    r.Nr(),
		Size:      r.Size(),
		Macro:     r.String(),
	}
}

func decodeIoctl(c *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("no request numbers specified")
	}

	reqs := make([]request, 0, len(args))
	for _, a := range args {
		r, err := ioc.Parse(a)
		if err != nil {
			return err
		}
		reqs = append(reqs, decodeRequest(r))
	}

	return writeResult(c, reqs, func(w io.Writer) {
		for _, r := range reqs {
			fmt.Fprintf(w, "%v %v", r.Value, r.Macro)
			if r.Name != "" {
				fmt.Fprintf(w, " %v", r.Name)
			}
			fmt.Fprintln(w)
		}
	})
}

func statusCodes(c *Config, args []string) error {
	var statuses []ioctl.Status
	if len(args) == 0 {
		statuses = ioctl.Statuses()
	}
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid status code %q: %w", a, err)
		}
		statuses = append(statuses, ioctl.Status(v))
	}

	codes := make([]statusCode, 0, len(statuses))
	for _, s := range statuses {
		codes = append(codes, statusCode{
			Code:        uint32(s),
			Name:        s.Name(),
			Description: s.Description(),
		})
	}

	return writeResult(c, codes, func(w io.Writer) {
		for _, s := range codes {
			fmt.Fprintf(w, "0x%08X %-28v %v\n", s.Code, s.Name, s.Description)
		}
	})
}

// generateSchemas writes JSON schema definitions of all result types into dir
func generateSchemas(dir string) error {
	if dir == "" {
		dir = "schema"
	}

	err := os.MkdirAll(dir, os.ModePerm)
	if err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}

	r := &jsonschema.Reflector{
		ExpandedStruct:            false,
		Anonymous:                 true,
		DoNotReference:            false,
		AllowAdditionalProperties: true,
	}

	for _, o := range schemaTypes {
		schema := r.Reflect(o)
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal: %w", err)
		}

		f := filepath.Join(dir, fmt.Sprintf("%v.json", getName(o)))

		err = os.WriteFile(f, data, 0644)
		if err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		log.Debugf("Wrote %v", f)
	}

	return nil
}

func getName(v any) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
