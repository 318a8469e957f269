// lockstepd is a session transport daemon for lockstep multiplayer games.
//
// It accepts framed application traffic over TCP stream sessions and over
// KCP reliable-datagram sessions on UDP, routes frames by request code, and
// exposes the live sessions through an admin REST API, an operator console,
// a SQLite history and MQTT telemetry.
package main

func main() {
	Execute()
}
