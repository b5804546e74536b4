// Package llmwarehouse records every call an application makes through the
// supported LLM SDKs and ships the records to one or more backends: the
// warehouse HTTP API, a hosted database, a local NDJSON file, or a queue.
//
// Import the SDK target packages you use (for side effects, or for their
// Wrap facades), then activate interception either explicitly:
//
//	import (
//		llmwarehouse "github.com/aschepis/backscratcher/llmwarehouse"
//		_ "github.com/aschepis/backscratcher/llmwarehouse/sdk/openai"
//	)
//
//	if err := llmwarehouse.Patch(llmwarehouse.Options{LogFile: "llm.ndjson"}); err != nil {
//		return err
//	}
//	defer llmwarehouse.Unpatch()
//
// or from the environment by calling Init early in main. Recording never
// changes what an SDK call returns, and delivery failures are only visible
// on the debug log.
package llmwarehouse
