// Package main is the entry point for the merchsync sync service.
package main

import (
	"os"

	"github.com/Rheannone/merch-table-sub003/cmd/merchsync/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
