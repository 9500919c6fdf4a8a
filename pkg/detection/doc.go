// Package detection holds the data model shared by the pipeline engine, the
// post-run orchestrator and the persistence collaborators.
//
// # Key Types
//
// NodeSpec: the persisted description of one computation node. A pipeline is
// a list of NodeSpecs; exactly one of them is named "root".
//
// PipelineResult: what a node produces under one output key: candidate
// anomalies, diagnostics, evaluations, predictions and a processing watermark
// (LastTimestamp).
//
// Anomaly: a candidate anomaly before merge. Identity for merge purposes is
// metric + dimension key + detector reference + overlapping time range.
//
// Alert / TaskBounds: the durable configuration a run executes for, and the
// run window [Start, End) in epoch milliseconds.
//
// # Watermarks
//
// A negative LastTimestamp (NoTimestamp) means "nothing processed". When
// several branches are combined the watermark is the minimum of the
// non-negative branch values, so a parent never advances past a lagging
// branch.
package detection
