/*
Package sqlbisect provides a Go interface for locating the release and commit at which a database server regresses.

A bisection is described by a [Job], most easily created by passing a job config to [GetJobFromConfig].
For a manually created job to work, at least the following fields have to be populated:
  - EndVersion
  - Workload (SQL and/or CheckScript)
  - Repository, if commits should be bisected as well
  - Build and Launch, which only have defaults when read from a job config

Jobs are run by a [Runner], which owns the state shared between tasks: the [Registry] of tasks, the port offsets in use,
the build semaphore and the release catalog.

[Runner.Locate] starts a two-phase bisection. First, the published releases between the start and end version are
binary searched by installing each release and running the workload against an ephemeral cluster. If a first bad
release R was found, the commits between the release preceding R and R are binary searched by building each commit
in a workspace private to the task.

[Runner.Test] evaluates a set of releases concurrently, leaving their clusters running until [Registry.Cleanup] is called.

Both return a [Task] immediately. Its progress can be polled using [Registry.Status].

Bisection assumes that once a candidate fails, every later candidate fails as well. Flaky workloads or regressions
which were fixed and reintroduced can make it converge on a wrong boundary. Setting ConfirmBoundary re-runs the
reported candidate once and marks the result as unconfirmed if the re-run does not fail.
*/
package sqlbisect
