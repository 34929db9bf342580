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
	"context"
	"fmt"
	"os"

	"github.com/Fraunhofer-AISEC/sevioctl/ioctl"
	"github.com/Fraunhofer-AISEC/sevioctl/sev"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var log = logrus.WithField("service", "sevtool")

// action wraps a command taking the configuration into a cli action
func action(f func(c *Config) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		config, err := GetConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}
		return f(config)
	}
}

// argsAction wraps a command taking the configuration and positional arguments
func argsAction(f func(c *Config, args []string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		config, err := GetConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}
		return f(config, cmd.Args().Slice())
	}
}

func main() {

	cmd := &cli.Command{
		Name:  "sevtool",
		Usage: "A tool to issue AMD SEV and SEV-SNP firmware commands through the Linux kernel drivers",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   "platform-status",
				Usage:  "Query the SEV platform status (host, /dev/sev)",
				Action: action(platformStatus),
			},
			{
				Name:   "snp-platform-status",
				Usage:  "Query the SEV-SNP platform status (host, /dev/sev)",
				Action: action(snpPlatformStatus),
			},
			{
				Name:   "get-id",
				Usage:  "Retrieve the unique chip ID (host, /dev/sev)",
				Action: action(getId),
			},
			{
				Name:   "pek-csr",
				Usage:  "Generate a certificate signing request for the PEK (host, /dev/sev)",
				Action: action(pekCsr),
			},
			{
				Name:   "pdh-cert-export",
				Usage:  "Export the PDH certificate and the platform certificate chain (host, /dev/sev)",
				Action: action(pdhCertExport),
			},
			{
				Name:  "factory-reset",
				Usage: "Reset the SEV platform to its factory state (host, /dev/sev)",
				Action: action(func(c *Config) error {
					return platformCommand(c, (*sev.Firmware).FactoryReset)
				}),
			},
			{
				Name:  "pek-gen",
				Usage: "Regenerate the platform endorsement key (host, /dev/sev)",
				Action: action(func(c *Config) error {
					return platformCommand(c, (*sev.Firmware).PekGen)
				}),
			},
			{
				Name:  "pdh-gen",
				Usage: "Regenerate the platform Diffie-Hellman key (host, /dev/sev)",
				Action: action(func(c *Config) error {
					return platformCommand(c, (*sev.Firmware).PdhGen)
				}),
			},
			{
				Name:  "snp-commit",
				Usage: "Commit the current SEV-SNP firmware (host, /dev/sev)",
				Action: action(func(c *Config) error {
					return platformCommand(c, (*sev.Firmware).SnpCommit)
				}),
			},
			{
				Name:   "snp-set-config",
				Usage:  "Set the reported TCB and report signing options (host, /dev/sev)",
				Action: action(snpSetConfig),
			},
			{
				Name:   "get-report",
				Usage:  "Retrieve an SEV-SNP attestation report (guest, /dev/sev-guest or configfs TSM)",
				Action: action(getReport),
			},
			{
				Name:   "get-ext-report",
				Usage:  "Retrieve an SEV-SNP attestation report and the certificates provided by the hypervisor",
				Action: action(getExtReport),
			},
			{
				Name:   "derive-key",
				Usage:  "Request a key derived from the VCEK or VMRK (guest, /dev/sev-guest)",
				Action: action(deriveKey),
			},
			{
				Name:   "parse-report",
				Usage:  "Parse an SEV-SNP attestation report",
				Action: action(parseReport),
			},
			{
				Name:   "parse-certs",
				Usage:  "List the certificates of an extended report certificate table",
				Action: action(parseCerts),
			},
			{
				Name:      "decode-ioctl",
				Usage:     "Decode ioctl request numbers into direction, type, number and size",
				ArgsUsage: "<request>...",
				Action:    argsAction(decodeIoctl),
			},
			{
				Name:      "status-codes",
				Usage:     "List the SEV firmware status codes or describe the given ones",
				ArgsUsage: "[code]...",
				Action:    argsAction(statusCodes),
			},
			{
				Name:  "schema",
				Usage: "Generate JSON schema definitions of the command results into --out",
				Action: action(func(c *Config) error {
					return generateSchemas(c.Out)
				}),
			},
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Debugf("Result: %+v", ioctl.Describe(err))
		log.Fatal(err)
	}
}
