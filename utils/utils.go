package utils

import (
	"net"
	"time"
)

// PortClosed reports whether addr stops accepting TCP connections within
// timeout. It dials at least once, so a zero timeout still gives one probe.
func PortClosed(addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
