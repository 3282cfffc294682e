// Package cluster implements the cluster scaling controller (spec §4.8):
// a recoverable, multi-phase state machine that scales a cluster's VM
// membership up or down, snapshotting state before mutating it so that
// any phase failure can roll back to the pre-operation membership and
// prove the rollback actually restored it.
//
// The phase dispatch is patterned on pkg/manager/fsm.go's typed-command
// switch, generalized from a single Raft-log Apply to an ordered,
// resumable sequence of named phases; the periodic scale-trigger
// evaluation loop is patterned on pkg/scheduler/scheduler.go's 5-second
// ticker. VerifyRestoration's four check groups and exact comparison
// logic are grounded on original_source/form-state/src/verification.rs.
package cluster
