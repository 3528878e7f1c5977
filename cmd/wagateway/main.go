package main

import (
	"os"

	"github.com/ggoodman/wa-gateway-go/cmd/wagateway/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
