// Copyright 2021 The Nirvana Authors.
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

// Command regmod registers a binary module with the package manager
// (spec §6: "regmod <binary-path> <module-name> — registers a binary
// module with the package manager; exit 0 on success, -1 on failure.
// Errors write a category-prefixed line to fd 2"), grounded on
// shell/regmod.cpp's Static_regmod::run.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nirvanaos/core/pkg/packagedb"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	exitCode := 0
	cmd := &cobra.Command{
		Use:           "regmod <binary-path> <module-name>",
		Short:         "Register a binary module with the package manager",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return registerModule(args[0], args[1])
		},
	}
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		printError(err)
		exitCode = -1
	}
	return exitCode
}

func registerModule(binaryPath, moduleName string) error {
	dbPath := packagedb.DefaultPath
	if override := os.Getenv("NIRVANA_PACKAGES_DB"); override != "" {
		dbPath = override
	}

	ctx := context.Background()
	db, err := packagedb.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := db.RegisterBinary(ctx, binaryPath, moduleName, currentPlatform(), 0); err != nil {
		if errors.Is(err, packagedb.ErrModuleExists) {
			return fmt.Errorf("module: %s is already registered for this platform", moduleName)
		}
		return fmt.Errorf("module: %w", err)
	}
	return nil
}

// currentPlatform is a placeholder platform id; the original encodes
// a richer Nirvana::PlatformId, which has no Go-side equivalent here.
func currentPlatform() int { return 0 }

func printError(err error) {
	fmt.Fprintln(os.Stderr, err)
}
