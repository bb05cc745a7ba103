package relay

import "errors"

// errSendBufferFull is returned by Client.Send when the peer's outbound
// buffer is full, instead of blocking the channel fabric. The caller
// (Channel.broadcast) logs it and skips that client; it does not
// disconnect the client.
var errSendBufferFull = errors.New("relay: client send buffer full")
