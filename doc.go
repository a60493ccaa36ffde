// Package procpool maintains a warm pool of long-lived, interactive child
// processes and dispatches client-supplied command sequences to them over
// their standard input/output/error streams.
//
// procpool targets workloads where spawning a fresh child process per
// request is prohibitively expensive (interpreters, model servers,
// external engines) but where each child can be scripted through a
// line-oriented textual protocol that the client defines. The pool never
// parses that protocol itself: clients supply [Command] predicates that
// decide when a response is complete.
//
// The primary types are:
//
//   - [Pool] — sizes, spawns, and dispatches work to a set of [Shell]s
//   - [Shell] — owns one running child process and executes submissions
//     against it one at a time
//   - [Submission] and [Command] — the client-supplied protocol contract
//   - [Future] — the handle returned by [Pool.Submit]
//
// Quick start:
//
//	pool, err := procpool.New(factory,
//		procpool.WithMinPoolSize(2),
//		procpool.WithMaxPoolSize(10),
//		procpool.WithReserveSize(1),
//	)
//	future, err := pool.Submit(ctx, submission)
//	dur, err := future.Await(ctx)
package procpool
