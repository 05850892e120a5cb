/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package main

import (
	"os"

	"github.com/forgeman-ai/forgeman/cmd/forgeman/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
