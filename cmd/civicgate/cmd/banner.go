package cmd

import (
	"fmt"
)

const banner = `
   ____ _       _       ____       _       
  / ___(_)_   _(_) ___ / ___| __ _| |_ ___ 
 | |   | \ \ / / |/ __| |  _ / _` + "`" + ` | __/ _ \
 | |___| |\ V /| | (__| |_| | (_| | ||  __/
  \____|_| \_/ |_|\___|\____|\__,_|\__\___|
                                           
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Authentication Gateway - Version %s\x1b[0m\n\n", Version)
}
