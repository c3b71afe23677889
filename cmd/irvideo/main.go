// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"fmt"
	"os"

	"irvideo"
)

func main() {
	if err := irvideo.Run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, irvideo.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
