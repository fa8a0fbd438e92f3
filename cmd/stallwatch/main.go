package main

import (
	"os"

	"github.com/Paintersrp/stallwatch/internal/cli"
	"github.com/Paintersrp/stallwatch/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	os.Exit(cli.Execute())
}
