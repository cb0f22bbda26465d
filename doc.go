// Package lotteryd exposes the Go APIs behind the lottery bet aggregation
// server. Agencies stream their bets over a small binary TCP protocol, signal
// when they are done, and poll for their winners once every expected agency
// has finished and the draw has run.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen`. Bets are persisted to the
// store named by `Config.Store`.
//
//	cfg := lotteryd.DefaultConfig()
//	cfg.Listen = ":12345"
//	cfg.Agencies = 5
//	cfg.Store = "disk:///var/lib/lotteryd"
//	srv, err := lotteryd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lotteryd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("lotteryd shutdown: %v", err)
//	    }
//	}()
//
// `StartServer` wraps the same steps, waits for the listener and returns a
// stop function tied to the supplied context.
//
// # Storage backends
//
//   - `mem://` keeps bets in memory. Useful for tests and demos.
//   - `disk:///path` appends bets to a CSV file (`bets.csv` when the path is a
//     directory). The file is locked for exclusive use.
//   - `s3://host:port/bucket/prefix` (S3-compatible endpoints such as MinIO)
//     and `aws://bucket/prefix` store one object per batch.
//   - `azure://account/container/prefix` stores one block blob per batch.
//
// Object stores retry transient failures with exponential backoff, bounded
// by the `StorageRetry*` fields.
//
// # Protocol
//
// Every message is a one-byte tag followed by a big-endian body:
//
//	1 Batch          agency u32, count u8, count * bet
//	2 Ack            code u8 (0 ok, 1 error)
//	3 WinnersQuery   agency u32
//	4 DrawNotReady   no body
//	5 WinnersResponse count u32, count * document u32
//
// A bet is first name, last name (NUL-terminated UTF-8), document u32,
// birthdate (NUL-terminated) and number u32. An empty batch is the agency's
// terminator. The draw runs once `Config.Agencies` distinct agencies sent
// one; bets whose number equals `Config.WinningNumber` win.
//
// The server answers a protocol violation with an error Ack and closes the
// connection. Other connections are never affected.
//
// # Agencies
//
// The client package implements the agency side:
//
//	a, _ := client.New(client.Config{Server: "lottery:12345", Agency: 1})
//	bets, _ := client.ReadBetFile("agency-1.csv", 1, logger)
//	_ = a.SubmitBets(ctx, bets)
//	_ = a.Finish(ctx)
//	winners, _ := a.QueryWinners(ctx)
//
// # Testing
//
// `StartTestServer` runs a loopback server with an in-memory store for the
// duration of a test. `WithTestChaos` puts a proxy in front of it that adds
// latency or resets connections.
package lotteryd
