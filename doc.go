// Package sched is the task scheduling and concurrency-control core of the
// agentic delivery platform. It provides a durable priority task queue,
// pull-based worker pools with timeout and retry handling, a
// concurrency-bounded executor with dependency resolution, a multi-layer
// admission gate (token-bucket rate limiting, tenant quotas, backpressure),
// and a lease-based control plane that hands tasks to remote workers and
// reclaims them on failure.
//
// sched is designed as a library, not a service. Construct the pieces you
// need and inject them into each other; nothing here is a global singleton.
//
// # Quick Start
//
//	eng, err := engine.New(sched.DefaultConfig(), memory.New(), handler,
//	    engine.WithQuota(ratelimit.NewTenantQuota()),
//	    engine.WithMiddleware(middleware.Logging(logger)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
//	t := task.New(id.NewRunID(), "build", payload, 3)
//	if err := eng.Submit(ctx, t); err != nil {
//	    log.Fatal(err)
//	}
//
// # Architecture
//
// Each subsystem owns its own package: queue (priority tiers, retries,
// dead letters), worker (pull loops), executor (bounded concurrency with
// dependencies), admission (the combined gate), lease (the distributed
// control plane), and store backends (memory, file snapshot, redis).
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package sched
