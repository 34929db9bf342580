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
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "internal")

// Tries to retrieve a file from an absolute path, or path relative to
// the optional base path or the running binary
func GetFile(file string, base *string) ([]byte, error) {
	if file == "" {
		return nil, fmt.Errorf("empty filename passed")
	}
	f, err := GetFilePath(file, base)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %v: %v", f, err)
	}
	return data, nil
}

// Tries to retrieve a filepath from an absolute path, a path relative to
// the working directory, the optional base path or the running binary
func GetFilePath(file string, base *string) (string, error) {

	if base != nil {
		log.Tracef("Get path of '%v' with optional base path '%v'", file, *base)
	} else {
		log.Tracef("Get path of '%v'", file)
	}

	if path.IsAbs(file) {
		if FileExists(file) {
			log.Tracef("Got: %v (absolute path)", file)
			return file, nil
		}
		return "", fmt.Errorf("file %v does not exist", file)
	}

	if FileExists(file) {
		log.Tracef("Got: %v (relative to working directory)", file)
		return file, nil
	}

	// Search relative to the given base path
	var rf string
	if base != nil {
		var err error
		rf, err = filepath.Abs(filepath.Join(*base, file))
		if err == nil && FileExists(rf) {
			log.Tracef("Got: %v (relative to base path)", rf)
			return rf, nil
		}
	}

	// Search relative to the running binary
	bin, err := GetBinaryPath()
	if err != nil {
		return "", err
	}
	f, err := filepath.Abs(filepath.Join(bin, file))
	if err == nil && FileExists(f) {
		log.Tracef("Got: %v (relative to binary)", f)
		return f, nil
	}

	if base == nil {
		return "", fmt.Errorf("failed to find file. Places searched: %v, %v", file, f)
	}

	return "", fmt.Errorf("failed to find file. Places searched: %v, %v, %v", file, rf, f)
}

func Contains(elem string, list []string) bool {
	for _, s := range list {
		if strings.EqualFold(s, elem) {
			return true
		}
	}
	return false
}

func FileExists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	}
	return false
}

func GetBinaryPath() (string, error) {
	bin, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get path of executable: %w", err)
	}
	d := filepath.Dir(bin)
	return d, nil
}
