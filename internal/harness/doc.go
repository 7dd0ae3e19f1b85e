// Package harness runs list synchronization scenarios against a real
// coordinator and records the batches each watched list receives.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: insert_from_background
//	description: "A background commit reaches the main list"
//	model: todo              # resolved in model_dir, next to the scenario by default
//	store: memory            # memory (default), durable, binary or none
//	fetch:
//	  entity: ToDo
//	  sort: [{attr: position}]
//	contexts:
//	  - name: main
//	    watch: true
//	  - name: worker
//	steps:
//	  - context: worker
//	    insert: {task: "buy milk", position: 1}
//	    as: milk
//	  - context: worker
//	    commit: true
//	assertions:
//	  - type: rows
//	    context: main
//	    rows: [[milk]]
//
// Every context named with watch: true gets a results controller over the
// scenario's fetch, a list model and an applier. The first context is
// primary.
//
// Each step does exactly one of insert, update (with set), delete, commit,
// rollback or refresh. After a step the harness waits until every loop is
// idle, so the batches a step causes are attributed to it. expect_error
// names the error kind a step must fail with.
//
// # Assertion Types
//
//   - batch_count: number of batches a watched context received
//   - batch: the events of one batch, in delivery order
//   - rows: the final list, one slice per section, by alias or object id
//   - row_counts: the final row count per section
//   - merged_seq: the last commit sequence a context merged
//
// # Golden Traces
//
// RunWithGolden renders the result with Result.Trace and compares it with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
package harness
