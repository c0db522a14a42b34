// Package rollup buffers counters, gauges and timings in memory and
// periodically ships aggregated summaries to a remote metrics service.
//
// Design goals:
//   - Instrumentation calls never perform network I/O; they only update the
//     current window under a short lock
//   - Each flush atomically swaps the window out, so every call lands in
//     exactly one window
//   - A failed flush loses only its own window and never propagates into the
//     host application
//   - Invalid metric names and sources are dropped before they are stored
//
// Basic usage:
//
//	client, err := rollup.NewHTTPClient(rollup.HTTPClientConfig{
//	  User:  "me@example.com",
//	  Token: "api-token",
//	})
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	if err := rollup.Init(rollup.Config{
//	  Source:        "web.1",
//	  Prefix:        "myapp",
//	  FlushInterval: 60 * time.Second,
//	  Client:        client,
//	}); err != nil {
//	  log.Fatal(err)
//	}
//	defer rollup.Shutdown()
//
//	rollup.Increment("requests")
//	rollup.Increment("jobs.done", rollup.By(3), rollup.WithSource("worker.3"))
//	rollup.Timing("request.time", 122.1)
//	rollup.Measure("queue.depth", 17)
package rollup
