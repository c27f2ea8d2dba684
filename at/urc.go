package at

import "strings"

// Kind classifies a line read from the modem.
type Kind int

const (
	NotURC         Kind = iota // ordinary response line, handed to the caller
	Ignorable                  // status notification, consumed and dropped
	DataIndication             // @SOCKDATAIND: inbound data is waiting on a socket
	DataPayload                // @SOCKREAD: hex payload of a socket read
)

func (k Kind) String() string {
	switch k {
	case NotURC:
		return "not-urc"
	case Ignorable:
		return "ignorable"
	case DataIndication:
		return "data-indication"
	case DataPayload:
		return "data-payload"
	default:
		return "unknown"
	}
}

// URC is the classification of one line.
type URC struct {
	Kind   Kind
	Prefix string // table entry that matched

	// DataIndication
	ID      int
	Session int
	More    int

	// DataPayload
	Length int
	Hex    string

	// Err is set when a data event prefix matched but its fields did not
	// parse. Such a line is still consumed, as Ignorable.
	Err error
}

type urcEntry struct {
	prefix string
	kind   Kind
}

// Order matters: the first matching prefix wins.
var urcTable = []urcEntry{
	{UrcNotify, Ignorable},
	{UrcSMSReady, Ignorable},
	{UrcCallReady, Ignorable},
	{UrcSimReady, Ignorable},
	{UrcNTPDone, Ignorable},
	{UrcNTPFailed, Ignorable},
	{UrcPDPDeact, Ignorable},
	{RespSockDataInd, DataIndication},
	{RespSockRead, DataPayload},
}

// Table returns the URC prefixes in match order.
func Table() []string {
	prefixes := make([]string, len(urcTable))
	for i, e := range urcTable {
		prefixes[i] = e.prefix
	}
	return prefixes
}

// Classify matches line against the URC table. Matching is a case sensitive
// prefix comparison. An empty line is never a URC.
func Classify(line string) URC {
	if line == "" {
		return URC{Kind: NotURC}
	}

	for _, e := range urcTable {
		if !strings.HasPrefix(line, e.prefix) {
			continue
		}
		u := URC{Kind: e.kind, Prefix: e.prefix}
		switch e.kind {
		case DataIndication:
			if _, err := Scan(line, e.prefix, &u.ID, &u.Session, &u.More); err != nil {
				return URC{Kind: Ignorable, Prefix: e.prefix, Err: err}
			}
		case DataPayload:
			if _, err := Scan(line, e.prefix, &u.Length, &u.Hex); err != nil {
				return URC{Kind: Ignorable, Prefix: e.prefix, Err: err}
			}
		}
		return u
	}
	return URC{Kind: NotURC}
}
