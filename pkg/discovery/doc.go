// Package discovery finds upnode listeners on the local network with
// mDNS/DNS-SD.
//
// Listeners advertise the _upnode._tcp service. The instance name is chosen
// by the operator; TXT records carry the protocol version (v) and the
// exposed method names (m, comma-separated).
//
// Clients resolve an instance each time they dial, so an overlay built with
// Dial follows a listener that moves to another host or port between
// reconnects.
package discovery
