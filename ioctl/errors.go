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
	"errors"
	"fmt"

	"github.com/Fraunhofer-AISEC/sevioctl/ioc"
	"golang.org/x/sys/unix"
)

// OsError reports an ioctl that failed at the operating system level. The
// firmware status field of the command is not meaningful in this case, as the
// driver might have failed before invoking the firmware.
type OsError struct {
	Request ioc.Request
	Errno   unix.Errno
}

func (e *OsError) Error() string {
	return fmt.Sprintf("ioctl %v failed: %v", e.Request, e.Errno.Error())
}

// Unwrap allows errors.Is(err, unix.EBADF) and errors.Is(err, fs.ErrPermission)
func (e *OsError) Unwrap() error {
	return e.Errno
}

// FirmwareError reports an ioctl that succeeded at the operating system level
// but for which the SEV firmware returned a non-zero status
type FirmwareError struct {
	Request ioc.Request
	Status  Status
}

func (e *FirmwareError) Error() string {
	if !e.Status.Known() {
		return fmt.Sprintf("ioctl %v: unknown firmware error 0x%x", e.Request, uint32(e.Status))
	}
	return fmt.Sprintf("ioctl %v: firmware error %v: %v", e.Request, e.Status.Name(),
		e.Status.Description())
}

// Known reports whether the firmware status is part of the documented status table
func (e *FirmwareError) Known() bool {
	return e.Status.Known()
}

// Translate combines the system call result and the firmware status written by
// the driver into one result. A failed system call always yields an *OsError,
// regardless of the firmware status. Otherwise a non-zero firmware status yields
// a *FirmwareError, and nil means success.
func Translate(req ioc.Request, ret int, errno unix.Errno, fw Status) error {
	if ret < 0 || errno != 0 {
		if errno == 0 {
			errno = unix.EIO
		}
		return &OsError{Request: req, Errno: errno}
	}
	if fw != Success {
		return &FirmwareError{Request: req, Status: fw}
	}
	return nil
}

// IsOsError reports whether err carries an operating system level ioctl failure
func IsOsError(err error) bool {
	var osErr *OsError
	return errors.As(err, &osErr)
}

// IsFirmwareError reports whether err carries a firmware level ioctl failure
func IsFirmwareError(err error) bool {
	var fwErr *FirmwareError
	return errors.As(err, &fwErr)
}

// StatusOf returns the firmware status carried by err, if any
func StatusOf(err error) (Status, bool) {
	var fwErr *FirmwareError
	if errors.As(err, &fwErr) {
		return fwErr.Status, true
	}
	return Success, false
}

// ErrnoOf returns the operating system error carried by err, if any
func ErrnoOf(err error) (unix.Errno, bool) {
	var osErr *OsError
	if errors.As(err, &osErr) {
		return osErr.Errno, true
	}
	return 0, false
}

// Result levels reported by Describe
const (
	LevelSuccess  = "success"
	LevelOs       = "os"
	LevelFirmware = "firmware"
	LevelOther    = "other"
)

// Outcome is a serializable summary of a call result for logging and debugging
type Outcome struct {
	Level   string `json:"level"`
	Request string `json:"request,omitempty"`
	Code    uint32 `json:"code"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// Describe summarizes the result of a call
func Describe(err error) Outcome {
	if err == nil {
		return Outcome{Level: LevelSuccess, Name: Success.Name()}
	}

	var osErr *OsError
	if errors.As(err, &osErr) {
		return Outcome{
			Level:   LevelOs,
			Request: osErr.Request.String(),
			Code:    uint32(osErr.Errno),
			Name:    unix.ErrnoName(osErr.Errno),
			Message: err.Error(),
		}
	}

	var fwErr *FirmwareError
	if errors.As(err, &fwErr) {
		return Outcome{
			Level:   LevelFirmware,
			Request: fwErr.Request.String(),
			Code:    uint32(fwErr.Status),
			Name:    fwErr.Status.Name(),
			Message: err.Error(),
		}
	}

	return Outcome{Level: LevelOther, Message: err.Error()}
}
