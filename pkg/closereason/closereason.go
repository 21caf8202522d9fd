// Package closereason is the closed, stable set of stream-close reasons
// a session or request can terminate with (spec.md §6, supplemented per
// SPEC_FULL §12 from original_source/include/tbl/sess_close.h).
package closereason

// Reason identifies why a stream (session/request transaction) closed.
type Reason int

// The numeric values match spec.md's table exactly; gaps (3) are
// reserved by the original table and intentionally skipped.
const (
	RemClose    Reason = 1  // peer closed
	ReqClose    Reason = 2  // client requested
	RxBad       Reason = 4  // malformed req/resp
	RxBody      Reason = 5  // body receive failure
	RxJunk      Reason = 6  // garbage bytes
	RxOverflow  Reason = 7  // buffer/workspace overflow
	RxTimeout   Reason = 8  // read timeout
	RxCloseIdle Reason = 9  // timeout_idle reached
	TxPipe      Reason = 10 // piped transaction
	TxError     Reason = 11 // transmit error
	TxEOF       Reason = 12 // eof after tx
	RespClose   Reason = 13 // backend/directive asked
	Overload    Reason = 14 // resource exhaustion

	// PipeOverflow is named in spec.md's closing parenthetical as one of
	// the "remaining reasons" that extend the table; see SPEC_FULL §12.
	PipeOverflow Reason = 15
)

type info struct {
	name string
	err  bool
	desc string
}

var table = map[Reason]info{
	RemClose:     {"rem_close", false, "peer closed"},
	ReqClose:     {"req_close", false, "client requested"},
	RxBad:        {"rx_bad", true, "malformed req/resp"},
	RxBody:       {"rx_body", true, "body receive failure"},
	RxJunk:       {"rx_junk", true, "garbage bytes"},
	RxOverflow:   {"rx_overflow", true, "buffer/workspace overflow"},
	RxTimeout:    {"rx_timeout", true, "read timeout"},
	RxCloseIdle:  {"rx_close_idle", false, "timeout_idle reached"},
	TxPipe:       {"tx_pipe", false, "piped transaction"},
	TxError:      {"tx_error", true, "transmit error"},
	TxEOF:        {"tx_eof", false, "eof after tx"},
	RespClose:    {"resp_close", false, "backend/directive asked"},
	Overload:     {"overload", true, "resource exhaustion"},
	PipeOverflow: {"pipe_overflow", true, "pipe buffer exceeded workspace"},
}

// String returns the short, stable name (e.g. "rx_timeout").
func (r Reason) String() string {
	if i, ok := table[r]; ok {
		return i.name
	}
	return "unknown"
}

// IsError reports whether this reason carries the error bit.
func (r Reason) IsError() bool {
	return table[r].err
}

// Description returns the human-readable semantics of the reason.
func (r Reason) Description() string {
	return table[r].desc
}
