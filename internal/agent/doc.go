// Package agent runs the tool-calling loop that answers pharmaceutical
// questions. The model decides which tools to call, the calls of one round
// run concurrently, and every decision, tool result and final answer is
// reported as a Step. Runtime builds the agent lazily from the credentials a
// user supplies and releases its connections on reset.
package agent
