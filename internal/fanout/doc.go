// Package fanout delivers "new event" notifications for alerts and reports.
//
// Producers append an event to the event log and then call
// Coordinator.NotifyNewEvent. The Bus pushes it to every live connection in
// the Registry except the originator's own, and the CursorStore serves the
// poll path that clients fall back to when push is unavailable. Push is best
// effort; the poll path over the event log is authoritative.
package fanout
