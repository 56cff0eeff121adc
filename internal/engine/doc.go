// Package engine reconciles the local cache with the remote record service.
//
// # Architecture
//
// One Engine exists per collection. A sync cycle runs in four phases:
//
//	Idle -> Draining -> Fetching -> Applying -> Idle
//	                 \           \
//	                  `-> Offline `-> Offline
//
//  1. Draining sends queued local actions oldest first, one at a time, each
//     through the retry policy. Success removes the action and confirms its
//     effect locally in the same transaction. A transient failure that
//     exhausts its retries stops the cycle and marks the engine Offline.
//  2. Fetching reads remote changes since the stored cursor, or everything
//     when there is no cursor. An expired cursor is cleared and replaced by
//     exactly one full fetch.
//  3. Applying resolves each delta against pending local actions and writes
//     the results together with the new cursor in one transaction.
//
// # Concurrency
//
// A Worker goroutine drives each Engine. Triggers are coalesced: while a
// cycle runs, any number of TriggerSync calls schedule at most one more
// cycle. Collections are independent and sync in parallel.
//
// # Callers
//
// Manager is the caller-facing API: TriggerSync, EnqueueLocalMutation,
// GetSyncStatus and ListCached return without waiting on the network.
// Subscribe delivers typed events (see package events).
//
// # Example
//
//	svc := &engine.Services{Store: db, Queue: q, Remote: client, ...}
//	mgr, err := engine.NewManager(svc, engine.DefaultManagerConfig())
//	if err != nil {
//	    return err
//	}
//	go mgr.Run(ctx)
//	mgr.TriggerSync("inbox")
package engine
