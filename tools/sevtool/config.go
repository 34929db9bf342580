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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/Fraunhofer-AISEC/sevioctl/internal"
	"github.com/Fraunhofer-AISEC/sevioctl/snpguest"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

type Config struct {
	LogLevel    string   `json:"logLevel"`
	SevDevice   string   `json:"sevDevice"`
	GuestDevice string   `json:"guestDevice"`
	Format      string   `json:"format"`
	In          string   `json:"in"`
	Out         string   `json:"out"`
	Vmpl        int      `json:"vmpl"`
	UserData    string   `json:"userData"`
	Tsm         bool     `json:"tsm"`
	CertsDir    string   `json:"certsDir"`
	RootKey     string   `json:"rootKey"`
	Fields      []string `json:"fields"`
	GuestSvn    int      `json:"guestSvn"`
	TcbVersion  string   `json:"tcbVersion"`
	MaskChipId  bool     `json:"maskChipId"`
	MaskChipKey bool     `json:"maskChipKey"`
}

const (
	configFlag      = "config"
	logLevelFlag    = "log-level"
	sevDeviceFlag   = "sev-device"
	guestDeviceFlag = "guest-device"
	formatFlag      = "format"
	inFlag          = "in"
	outFlag         = "out"
	vmplFlag        = "vmpl"
	userDataFlag    = "user-data"
	tsmFlag         = "tsm"
	certsDirFlag    = "certs-dir"
	rootKeyFlag     = "root-key"
	fieldsFlag      = "fields"
	guestSvnFlag    = "guest-svn"
	tcbVersionFlag  = "tcb-version"
	maskChipIdFlag  = "mask-chip-id"
	maskChipKeyFlag = "mask-chip-key"
)

const (
	formatText = "text"
	formatJson = "json"
	formatCbor = "cbor"
)

var (
	logLevels = map[string]logrus.Level{
		"panic": logrus.PanicLevel,
		"fatal": logrus.FatalLevel,
		"error": logrus.ErrorLevel,
		"warn":  logrus.WarnLevel,
		"info":  logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"trace": logrus.TraceLevel,
	}

	formats = []string{formatText, formatJson, formatCbor}

	rootKeys = map[string]uint32{
		"vcek": snpguest.RootKeyVcek,
		"vmrk": snpguest.RootKeyVmrk,
	}

	guestFields = map[string]uint64{
		"policy":      snpguest.FieldGuestPolicy,
		"image-id":    snpguest.FieldImageId,
		"family-id":   snpguest.FieldFamilyId,
		"measurement": snpguest.FieldMeasurement,
		"svn":         snpguest.FieldGuestSvn,
		"tcb":         snpguest.FieldTcbVersion,
	}
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  configFlag,
		Usage: "JSON configuration file, overridden by command line flags",
	},
	&cli.StringFlag{
		Name:  logLevelFlag,
		Usage: fmt.Sprintf("Set log level. Possible: %v", strings.Join(maps.Keys(logLevels), ",")),
	},
	&cli.StringFlag{
		Name:  sevDeviceFlag,
		Usage: "Path of the SEV firmware device (default: /dev/sev)",
	},
	&cli.StringFlag{
		Name:  guestDeviceFlag,
		Usage: "Path of the SEV-SNP guest device (default: /dev/sev-guest)",
	},
	&cli.StringFlag{
		Name:  formatFlag,
		Usage: fmt.Sprintf("Output format. Possible: %v", strings.Join(formats, ",")),
	},
	&cli.StringFlag{
		Name:  inFlag,
		Usage: "Name of the input file, e.g., an SNP report",
	},
	&cli.StringFlag{
		Name:  outFlag,
		Usage: "Name of the output file (default: stdout)",
	},
	&cli.IntFlag{
		Name:  vmplFlag,
		Usage: "VMPL to retrieve the attestation report or derived key for",
	},
	&cli.StringFlag{
		Name:  userDataFlag,
		Usage: "Hex encoded user data of at most 64 bytes to include into the report",
	},
	&cli.BoolFlag{
		Name:  tsmFlag,
		Usage: "Retrieve reports via the configfs TSM interface instead of /dev/sev-guest",
	},
	&cli.StringFlag{
		Name:  certsDirFlag,
		Usage: "Directory to store the certificates of an extended report in",
	},
	&cli.StringFlag{
		Name:  rootKeyFlag,
		Usage: fmt.Sprintf("Root key to derive keys from. Possible: %v", strings.Join(maps.Keys(rootKeys), ",")),
	},
	&cli.StringSliceFlag{
		Name:  fieldsFlag,
		Usage: fmt.Sprintf("Guest fields to mix into a derived key. Possible: %v", strings.Join(maps.Keys(guestFields), ",")),
	},
	&cli.IntFlag{
		Name:  guestSvnFlag,
		Usage: "Guest SVN to mix into a derived key",
	},
	&cli.StringFlag{
		Name:  tcbVersionFlag,
		Usage: "TCB version to mix into a derived key, or to report in SNP config",
	},
	&cli.BoolFlag{
		Name:  maskChipIdFlag,
		Usage: "Mask the chip ID in attestation reports (snp-set-config)",
	},
	&cli.BoolFlag{
		Name:  maskChipKeyFlag,
		Usage: "Do not sign attestation reports (snp-set-config)",
	},
}

func GetConfig(cmd *cli.Command) (*Config, error) {

	c := &Config{}

	if cmd.IsSet(configFlag) {
		data, err := internal.GetFile(cmd.String(configFlag), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cmd.IsSet(logLevelFlag) {
		c.LogLevel = cmd.String(logLevelFlag)
	}
	if cmd.IsSet(sevDeviceFlag) {
		c.SevDevice = cmd.String(sevDeviceFlag)
	}
	if cmd.IsSet(guestDeviceFlag) {
		c.GuestDevice = cmd.String(guestDeviceFlag)
	}
	if cmd.IsSet(formatFlag) {
		c.Format = cmd.String(formatFlag)
	}
	if cmd.IsSet(inFlag) {
		c.In = cmd.String(inFlag)
	}
	if cmd.IsSet(outFlag) {
		c.Out = cmd.String(outFlag)
	}
	if cmd.IsSet(vmplFlag) {
		c.Vmpl = cmd.Int(vmplFlag)
	}
	if cmd.IsSet(userDataFlag) {
		c.UserData = cmd.String(userDataFlag)
	}
	if cmd.IsSet(tsmFlag) {
		c.Tsm = cmd.Bool(tsmFlag)
	}
	if cmd.IsSet(certsDirFlag) {
		c.CertsDir = cmd.String(certsDirFlag)
	}
	if cmd.IsSet(rootKeyFlag) {
		c.RootKey = cmd.String(rootKeyFlag)
	}
	if cmd.IsSet(fieldsFlag) {
		c.Fields = cmd.StringSlice(fieldsFlag)
	}
	if cmd.IsSet(guestSvnFlag) {
		c.GuestSvn = cmd.Int(guestSvnFlag)
	}
	if cmd.IsSet(tcbVersionFlag) {
		c.TcbVersion = cmd.String(tcbVersionFlag)
	}
	if cmd.IsSet(maskChipIdFlag) {
		c.MaskChipId = cmd.Bool(maskChipIdFlag)
	}
	if cmd.IsSet(maskChipKeyFlag) {
		c.MaskChipKey = cmd.Bool(maskChipKeyFlag)
	}

	if c.LogLevel != "" {
		l, ok := logLevels[strings.ToLower(c.LogLevel)]
		if !ok {
			log.Warnf("LogLevel %v does not exist. Default to info level", c.LogLevel)
			l = logrus.InfoLevel
		}
		logrus.SetLevel(l)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if c.Format == "" {
		c.Format = formatText
	}
	if !internal.Contains(c.Format, formats) {
		return nil, fmt.Errorf("unsupported output format %q. Possible: %v", c.Format,
			strings.Join(formats, ","))
	}
	c.Format = strings.ToLower(c.Format)

	if c.Vmpl < 0 || c.Vmpl > 3 {
		return nil, fmt.Errorf("invalid VMPL %v", c.Vmpl)
	}

	c.Print()

	return c, nil
}

func (c *Config) Print() {
	log.Debugf("Using the following configuration:")
	log.Debugf("\tLogLevel    : %v", c.LogLevel)
	log.Debugf("\tSevDevice   : %v", c.SevDevice)
	log.Debugf("\tGuestDevice : %v", c.GuestDevice)
	log.Debugf("\tFormat      : %v", c.Format)
	log.Debugf("\tIn          : %v", c.In)
	log.Debugf("\tOut         : %v", c.Out)
	log.Debugf("\tVmpl        : %v", c.Vmpl)
	log.Debugf("\tUserData    : %v", c.UserData)
	log.Debugf("\tTsm         : %v", c.Tsm)
	log.Debugf("\tCertsDir    : %v", c.CertsDir)
	log.Debugf("\tRootKey     : %v", c.RootKey)
	log.Debugf("\tFields      : %v", c.Fields)
	log.Debugf("\tGuestSvn    : %v", c.GuestSvn)
	log.Debugf("\tTcbVersion  : %v", c.TcbVersion)
	log.Debugf("\tMaskChipId  : %v", c.MaskChipId)
	log.Debugf("\tMaskChipKey : %v", c.MaskChipKey)
}

// userData decodes the hex encoded user data
func (c *Config) userData() ([]byte, error) {
	if c.UserData == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(c.UserData, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode user data: %w", err)
	}
	if len(data) > snpguest.UserDataSize {
		return nil, fmt.Errorf("user data must be at most %v bytes", snpguest.UserDataSize)
	}
	return data, nil
}

// tcbVersion parses the TCB version, given as decimal or 0x prefixed hex number
func (c *Config) tcbVersion() (uint64, error) {
	if c.TcbVersion == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(c.TcbVersion, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TCB version %q: %w", c.TcbVersion, err)
	}
	return v, nil
}

// keyRequest assembles a derived key request from the configuration
func (c *Config) keyRequest() (*snpguest.DerivedKeyReq, error) {
	req := &snpguest.DerivedKeyReq{
		Vmpl:     uint32(c.Vmpl),
		GuestSvn: uint32(c.GuestSvn),
	}

	if c.RootKey != "" {
		k, ok := rootKeys[strings.ToLower(c.RootKey)]
		if !ok {
			return nil, fmt.Errorf("unknown root key %q", c.RootKey)
		}
		req.RootKeySelect = k
	}

	for _, f := range c.Fields {
		v, ok := guestFields[strings.ToLower(f)]
		if !ok {
			return nil, fmt.Errorf("unknown guest field %q", f)
		}
		req.GuestFieldSelect |= v
	}

	tcb, err := c.tcbVersion()
	if err != nil {
		return nil, err
	}
	req.TcbVersion = tcb

	return req, nil
}
