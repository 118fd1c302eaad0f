// Package shm simulates the remote side of shared-memory channels.
//
// An Edge models one remote processor. Each named channel on it owns a pair
// of single-producer/single-consumer byte rings, backed either by process
// memory or by a file under /dev/shm. The host side of a channel satisfies
// api.Channel and is handed out by Edge.Open, so an Edge (or a Mux of
// several edges) can be plugged into the driver as its api.Transport. The
// remote side is driven through Remote, Ack, Boot and Shutdown, which
// produce the same DATA/OPEN/CLOSE notifications a real peer would.
//
// Example usage:
//
//	modem := shm.NewEdge(api.EdgeAppsModem, shm.DefaultOptions())
//	_ = modem.Boot(ctx)
//	ch, err := modem.Open("DATA1", api.EdgeAppsModem, notify)
//	// ...
//	modem.Remote("DATA1").Write([]byte("AT\r"))
package shm
