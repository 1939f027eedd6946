// Package ports implements the authoritative port-spec grammar from spec §6:
//
//	portspec  := segment ('|' segment)*
//	segment   := range | single
//	range     := UINT ':' UINT ('/' proto)?
//	single    := UINT ('/' proto)?
//	proto     := 'tcp' | 'udp'
//
// Absence of proto means both.
package ports

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

// Proto is a transport protocol selector.
type Proto int

const (
	Both Proto = iota
	TCP
	UDP
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return ""
	}
}

// Segment is one '|'-separated element of a port spec: either a single port
// or an inclusive range, with an optional protocol restriction.
type Segment struct {
	Start, End int // End == Start for a single port
	Proto      Proto
}

// Ports is a fully parsed port spec.
type Ports []Segment

const component = "ports"

// Parse parses raw under the grammar above. It rejects 0, negative numbers,
// ports above 65535, and ranges where end < start.
func Parse(raw string) (Ports, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, kgsmerr.New(kgsmerr.Invalid, component, "empty port spec")
	}

	var out Ports
	for _, seg := range strings.Split(raw, "|") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, kgsmerr.New(kgsmerr.Invalid, component, "empty segment in port spec "+raw)
		}
		parsed, err := parseSegment(seg)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

func parseSegment(seg string) (Segment, error) {
	protoStr := ""
	numPart := seg
	if idx := strings.LastIndex(seg, "/"); idx >= 0 {
		numPart = seg[:idx]
		protoStr = seg[idx+1:]
	}

	proto, err := parseProto(protoStr)
	if err != nil {
		return Segment{}, err
	}

	if idx := strings.Index(numPart, ":"); idx >= 0 {
		start, err := parsePort(numPart[:idx])
		if err != nil {
			return Segment{}, err
		}
		end, err := parsePort(numPart[idx+1:])
		if err != nil {
			return Segment{}, err
		}
		if end < start {
			return Segment{}, kgsmerr.New(kgsmerr.Invalid, component,
				fmt.Sprintf("range end %d is less than start %d", end, start))
		}
		return Segment{Start: start, End: end, Proto: proto}, nil
	}

	p, err := parsePort(numPart)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Start: p, End: p, Proto: proto}, nil
}

func parseProto(s string) (Proto, error) {
	switch s {
	case "":
		return Both, nil
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return Both, kgsmerr.New(kgsmerr.Invalid, component, "unknown protocol "+s)
	}
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, kgsmerr.Wrap(kgsmerr.Invalid, component, "port is not a number: "+s, err)
	}
	if n <= 0 || n > 65535 {
		return 0, kgsmerr.New(kgsmerr.Invalid, component, fmt.Sprintf("port %d out of range 1-65535", n))
	}
	return n, nil
}

// First returns the first concrete port named by the spec — the port the
// Readiness Watcher (C11) probes — along with the protocols to check.
func (p Ports) First() (port int, protos []Proto, ok bool) {
	if len(p) == 0 {
		return 0, nil, false
	}
	seg := p[0]
	if seg.Proto == Both {
		return seg.Start, []Proto{TCP, UDP}, true
	}
	return seg.Start, []Proto{seg.Proto}, true
}

// String renders Ports back into the canonical grammar, used for round-trip
// tests and for re-emitting a parsed blueprint unchanged (spec §8).
func (p Ports) String() string {
	segs := make([]string, len(p))
	for i, seg := range p {
		var numPart string
		if seg.Start == seg.End {
			numPart = strconv.Itoa(seg.Start)
		} else {
			numPart = fmt.Sprintf("%d:%d", seg.Start, seg.End)
		}
		if seg.Proto != Both {
			numPart += "/" + seg.Proto.String()
		}
		segs[i] = numPart
	}
	return strings.Join(segs, "|")
}
