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
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Fraunhofer-AISEC/sevioctl/internal"
)

// blob is the serialized form of binary command output
type blob struct {
	Name string           `json:"name" cbor:"0,keyasint"`
	Data internal.HexByte `json:"data" cbor:"1,keyasint"`
}

// textWriter renders a result in the text output format
type textWriter func(w io.Writer)

// writeResult writes v in the configured output format. The text format is
// rendered by text.
func writeResult(c *Config, v any, text textWriter) error {
	var data []byte
	if c.Format == formatText {
		b := new(bytes.Buffer)
		text(b)
		data = b.Bytes()
	} else {
		s, err := internal.NewSerializer(c.Format)
		if err != nil {
			return err
		}
		data, err = s.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		log.Debugf("Writing %v bytes of %v", len(data), s.MediaType())
		if c.Format == formatJson {
			data = append(data, '\n')
		}
	}
	return writeOut(c, data)
}

// writeBlob writes binary output: raw in the text format, else as serialized
// hex/byte string
func writeBlob(c *Config, name string, data []byte) error {
	if c.Format == formatText {
		return writeOut(c, data)
	}
	return writeResult(c, blob{Name: name, Data: data}, nil)
}

func writeOut(c *Config, data []byte) error {
	if c.Out == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	err := os.WriteFile(c.Out, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write %v: %w", c.Out, err)
	}
	log.Infof("Wrote %v", c.Out)
	return nil
}
