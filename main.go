package main

import (
	"github.com/waveyops/ledgerwatch/cmd"
)

func main() {
	cmd.Execute()
}
