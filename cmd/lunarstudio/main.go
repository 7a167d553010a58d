package main

import (
	"os"

	"LunarStudio/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
