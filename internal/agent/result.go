package agent

import "time"

// RoundResult summarizes one reasoning round.
type RoundResult struct {
	Label string

	// Text is the model's visible reply text across all turns of the round.
	Text string

	// ToolCalls counts dispatched calls; Dropped counts calls that were
	// emitted but not executed (extra calls of a turn, or past MaxLoops).
	ToolCalls int
	Dropped   int

	// Calls is the number of model requests the round made itself. Requests a
	// tool makes on the session, such as verification, count only on the run.
	Calls int

	ExecutionTime time.Duration
}
