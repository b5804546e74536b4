// Command warehouse-sync re-delivers a local NDJSON call log to the remote
// backends: the warehouse API, a hosted database, or a queue.
//
// Records written while the warehouse was unreachable can be shipped later:
//
//	LLM_WAREHOUSE_URL=https://warehouse.internal LLM_WAREHOUSE_API_KEY=... \
//	  warehouse-sync --log-file ~/.llm-warehouse/calls.ndjson
package main

import (
	"fmt"
	"os"

	"github.com/aschepis/backscratcher/llmwarehouse/config"
)

func main() {
	config.LoadDotEnv()
	if err := newRootCmd(config.OSEnv()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
