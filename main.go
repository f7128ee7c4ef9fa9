package main

import (
	"os"

	"github.com/ragline/ragline/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
