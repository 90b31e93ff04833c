// Package streamsync reconstructs the live and historical execution state of
// remote graph workflow runs from a resumable binary event stream.
//
// The upstream feed interleaves textual control messages with compressed
// binary frames over a single websocket. Every binary frame is preceded by
// exactly one cursor control message that positions it in the upstream
// partitioned log. The session decodes frames off the caller goroutine,
// applies the decoded patches to per-run documents in strict receipt order,
// and commits cursors only after a frame has been fully decoded and applied,
// so a reconnect resumes without gaps or duplication.
//
// The package never recovers partially from a protocol desync or a decode
// failure. Those force a reconnect and the upstream resends from the last
// committed cursor.
package streamsync
