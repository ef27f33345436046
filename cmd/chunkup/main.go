// chunkup uploads files to chunked storage backends with instant dedup and
// resumable transfers.
//
// Build with: go build -ldflags "-X github.com/rescale/chunkup/internal/version.Version=v0.1.0"
package main

import (
	"os"

	"github.com/rescale/chunkup/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
