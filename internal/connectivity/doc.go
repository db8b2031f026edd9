// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connectivity tracks whether the chat server is reachable.
//
// The process-wide Monitor is created on first use by Default and lives for
// the rest of the process. Configure sets its options beforehand. It starts online: with no reachability signal the
// engine assumes it can send and lets delivery failures speak for themselves.
//
// Reachability signals come from SetOnline, from connection bookkeeping
// (MarkConnected, MarkError) and from the optional health-check loop. The
// loop recovers from panics in every iteration; a failure inside it only
// degrades the accuracy of the online flag and never stops the process.
//
// # Usage
//
//	_ = connectivity.Configure(connectivity.WithLogger(logger))
//	mon := connectivity.Default()
//	unsubscribe := mon.Subscribe(func(online bool) {
//	    if online {
//	        coordinator.DrainOutbox(ctx, "")
//	    }
//	})
//	defer unsubscribe()
//
//	mon.StartHealthCheck(ctx, client, 30*time.Second)
package connectivity
