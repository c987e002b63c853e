package cmd

import (
	"fmt"
)

const banner = `
  _              _
 | |    ___   __| | __ _  ___
 | |   / _ \ / _` + "`" + ` |/ _` + "`" + ` |/ _ \
 | |__| (_) | (_| | (_| |  __/
 |_____\___/ \__,_|\__, |\___|
                   |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Lodge Access Control - Version %s\x1b[0m\n\n", Version)
}
