// Package bisocket lets a server invoke handlers on its clients without the
// clients accepting inbound connections.
//
// A CallbackClient opens a control connection to the Server and announces a
// random listener ID. Whenever the server needs a connection to that client it
// writes a CREATE command on the control connection; the client dials a
// secondary connection, writes its header and serves it with the regular
// worker protocol of the base package. On the server, secondary connections
// are the sockets of a normal base client transport, so callbacks get pooling,
// retries and time budgets for free.
//
// Connection header:
//
//	[kind] [16 byte listener ID]     kind: 1 control, 2 secondary
//
// Control commands are single bytes: CREATE (1), PING (2) and PONG (3). The
// client pings every ping interval; either side drops the other after three
// intervals without traffic.
package bisocket
