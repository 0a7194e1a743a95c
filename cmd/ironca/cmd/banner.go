package cmd

import (
	"fmt"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

const banner = `
  _____                 _____
 |_   _|               / ____|   /\
   | |  _ __ ___  _ __| |       /  \
   | | | '__/ _ \| '_ \ |      / /\ \
  _| |_| | | (_) | | | | |____/ ____ \
 |_____|_|  \___/|_| |_|\_____/_/    \_\
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m\n", banner)
	fmt.Printf("\x1b[32m  Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
