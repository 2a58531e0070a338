// Package acpmux provides the shared vocabulary for driving Agent Client
// Protocol (ACP) agents as supervised child processes.
//
// acpmux is organised like a small stack. Each layer only knows the ones
// beneath it:
//
//   - [transport] owns one child process and its framed stdio streams
//   - [codec] turns frames into JSON-RPC 2.0 messages and back
//   - [correlate] pairs outbound requests with their responses
//   - [session] runs the handshake, turns, proposals and client services
//   - [registry] owns many sessions and merges their event streams
//
// The root package defines what crosses those boundaries: [AgentSpec] (how to
// launch an agent), [Event] (what the presentation layer observes), the
// session and turn state vocabulary, and the error taxonomy.
//
// # Quick Start
//
//	reg := registry.New()
//	defer reg.Close(context.Background())
//
//	s, err := reg.Create(ctx, acpmux.AgentSpec{Name: "gemini", Command: "gemini", Args: []string{"--experimental-acp"}})
//	if err != nil { log.Fatal(err) }
//	if _, err := reg.SendTurn(ctx, s.ID(), "Hello"); err != nil { log.Fatal(err) }
//	for ev := range reg.Events() {
//	    fmt.Println(ev.Type, ev.Text)
//	}
//
// [transport]: https://pkg.go.dev/github.com/dmora/acpmux/transport
// [codec]: https://pkg.go.dev/github.com/dmora/acpmux/codec
// [correlate]: https://pkg.go.dev/github.com/dmora/acpmux/correlate
// [session]: https://pkg.go.dev/github.com/dmora/acpmux/session
// [registry]: https://pkg.go.dev/github.com/dmora/acpmux/registry
package acpmux
