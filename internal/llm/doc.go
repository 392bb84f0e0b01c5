// Package llm defines the provider-neutral chat and embedding interfaces used
// by the agent loop, the graph QA chain and the document retrieval pipeline.
package llm
