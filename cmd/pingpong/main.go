// Command pingpong runs a server and clients that bounce ping/pong messages
// through the datagram transport over the QUIC engine.
package main

func main() {
	Execute()
}
