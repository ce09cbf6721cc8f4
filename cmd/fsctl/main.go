// Package main implements fsctl, the command-line client for a torua
// cluster. It talks to a coordinator's /fs endpoint, or to a node's
// /cluster/fs endpoint with --path.
//
// Example usage:
//
//	fsctl put ./report.pdf reports/2024/report.pdf
//	fsctl get reports/2024/report.pdf --offset 0 --limit 1024 > head.bin
//	fsctl ls 'reports/**/*.pdf'
//	fsctl mv reports/2024/report.pdf archive/report.pdf
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
