package main

import (
	"os"

	"github.com/isometry/admembers/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
