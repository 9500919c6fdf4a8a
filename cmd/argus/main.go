// argus runs anomaly-detection pipelines.
//
// Usage:
//
//	argus run --alert alert.yaml --start 2026-10-01T00:00:00Z --end now
//	argus alert put -f alert.yaml
//	argus submit --alert-id cpu-spike --start -1h --end now
//	argus worker --config argus.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
