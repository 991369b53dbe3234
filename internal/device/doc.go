// Package device defines the BLE link used by the session manager.
//
// A Link scans for advertisements and dials peripherals. A Connection exposes
// the handful of GATT operations a Myo session needs: write, read, subscribe
// and a disconnect signal. Backends live in the goble and tinyble
// subpackages; tests substitute a simulated link.
package device
