// Package scheduler arms one-shot jobs at wall-clock instants and hands
// them to the task engine when they fire.
//
// The scheduler only holds timers. The durable source of truth is the
// store behind a Loader; Restore and the periodic reconcile sweep re-arm
// whatever the store says is pending.
//
// Misfires: a job whose fire time passed less than the grace window ago
// fires once promptly. Older jobs go to the Missed hook. A second fire of
// the same id inside the grace window, or while a previous run is still
// executing, is dropped.
package scheduler
