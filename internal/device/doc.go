// Package device defines the link-layer boundary of the central: discovered
// peripherals, scan records, and the asynchronous Link contract whose
// completions drive a connection session.
//
// This package holds no BLE stack of its own. Implementations live in
// sub-packages:
//   - go-ble: github.com/go-ble/ble backed Scanner, Connector and Link
//
// Every Link request returns immediately and reports its outcome as a
// LinkEvent on the handler supplied to Connector.Connect.
package device
