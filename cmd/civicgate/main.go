package main

import "github.com/jmcleod/civicgate/cmd/civicgate/cmd"

func main() {
	cmd.Execute()
}
