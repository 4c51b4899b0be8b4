// Package client connects to a story session over a persistent WebSocket.
//
// A story session is a server-owned, turn-based conversation that several
// clients (terminals, browser tabs, devices) may attach to at the same time.
// The server broadcasts every user action and every streamed assistant reply
// to all attached connections.
//
// # Session Connection
//
// SessionConnection owns one attachment. It dials, requests history,
// assembles streamed replies and reconnects with exponential backoff:
//
//	c := client.New("http://localhost:8080")
//	conn, err := client.NewSessionConnection(client.ConnectionConfig{
//	    SessionID: "my-story",
//	    Endpoint:  c.SessionURL,
//	    Renderer:  renderer,
//	    Store:     store,
//	})
//	if err != nil {
//	    return err
//	}
//	go conn.Run(ctx)
//	defer conn.Close()
//
//	if err := conn.Send(ctx, "I open the door"); errors.Is(err, client.ErrNotConnected) {
//	    // tell the user to retry later
//	}
//
// # Building Blocks
//
// The connection delegates to small components that can be used and tested
// on their own:
//
//   - Backoff computes reconnect delays (base * 2^(attempt-1)).
//   - StreamAssembler tracks the single in-flight reply.
//   - EchoReconciler suppresses the echo of actions sent by this connection.
//   - HistoryLoader requests and replays past turns on every open.
//
// # Thread Safety
//
// Client and SessionConnection are safe for concurrent use. The Renderer
// and StatusSink are only called from the goroutine running
// SessionConnection.Run, one call at a time. The Store is read and written
// once by NewSessionConnection, on the caller's goroutine, to resolve the
// session id, and is not used after that.
package client
