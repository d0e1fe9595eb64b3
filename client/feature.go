package client

import (
	"strings"
	"time"

	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/transport"
)

// Feature hooks into every initiator of a Client, features run in the
// order they are listed
type Feature struct {
	// Name used in logs
	Name string
	// BeforeWrite may change a request head before it is written
	BeforeWrite func(head *http.RequestHead)
	// AfterConnect runs once on every newly dialed connection
	AfterConnect func(conn *transport.Conn)
	// OnTerminate runs when an initiator ends, before its connection is
	// recycled or closed
	OnTerminate func(i *Initiator)
}

// AcceptEncoding sets the Accept-Encoding header on requests that have
// none, gzip and deflate when no coding is given
func AcceptEncoding(codings ...string) Feature {
	value := "gzip, deflate"
	if len(codings) > 0 {
		value = strings.Join(codings, ", ")
	}
	return Feature{
		Name: "accept-encoding",
		BeforeWrite: func(head *http.RequestHead) {
			if !head.Header.Has("Accept-Encoding") {
				head.Header.Set("Accept-Encoding", value)
			}
		},
	}
}

// TrafficRecord traffic of one initiator
type TrafficRecord struct {
	Addr      string
	Intraffic Intraffic
	// Lifetime of the initiator
	Lifetime time.Duration
	// connection totals, a reused connection carries earlier traffic too
	Inbound  uint64
	Outbound uint64
}

// TrafficRecorder reports the traffic of every initiator when it ends
func TrafficRecorder(fn func(TrafficRecord)) Feature {
	return Feature{
		Name: "traffic-recorder",
		OnTerminate: func(i *Initiator) {
			in, out := i.Conn().Traffic().Snapshot()
			fn(TrafficRecord{
				Addr:      i.Conn().Addr(),
				Intraffic: i.Intraffic(),
				Lifetime:  time.Since(i.CreatedTime()),
				Inbound:   in,
				Outbound:  out,
			})
		},
	}
}
