package ports

import (
	"errors"
	"testing"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Ports
		wantErr bool
	}{
		{
			name: "single bare port",
			raw:  "34197",
			want: Ports{{Start: 34197, End: 34197, Proto: Both}},
		},
		{
			name: "single with proto",
			raw:  "7777/udp",
			want: Ports{{Start: 7777, End: 7777, Proto: UDP}},
		},
		{
			name: "range with proto",
			raw:  "26900:26903/tcp",
			want: Ports{{Start: 26900, End: 26903, Proto: TCP}},
		},
		{
			name: "multi-segment pipe",
			raw:  "26900:26903/tcp|26900:26903/udp",
			want: Ports{
				{Start: 26900, End: 26903, Proto: TCP},
				{Start: 26900, End: 26903, Proto: UDP},
			},
		},
		{name: "empty spec", raw: "", wantErr: true},
		{name: "zero port", raw: "0", wantErr: true},
		{name: "negative port", raw: "-1", wantErr: true},
		{name: "too large port", raw: "65536", wantErr: true},
		{name: "range end before start", raw: "100:50", wantErr: true},
		{name: "unknown proto", raw: "80/sctp", wantErr: true},
		{name: "empty segment", raw: "80||90", wantErr: true},
		{name: "not a number", raw: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.raw)
				}
				var kerr *kgsmerr.Error
				if !errors.As(err, &kerr) || kerr.Kind != kgsmerr.Invalid {
					t.Errorf("Parse(%q) error kind = %v, want Invalid", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Parse(%q)[%d] = %+v, want %+v", tt.raw, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPortsStringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"34197",
		"7777/udp",
		"26900:26903/tcp|26900:26903/udp",
		"80|443/tcp",
	} {
		p, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if got := p.String(); got != raw {
			t.Errorf("round-trip %q -> %q", raw, got)
		}
	}
}

func TestPortsFirst(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantPort   int
		wantProtos []Proto
		wantOK     bool
	}{
		{name: "empty", raw: "", wantOK: false},
		{name: "both protos", raw: "34197", wantPort: 34197, wantProtos: []Proto{TCP, UDP}, wantOK: true},
		{name: "tcp only", raw: "26900:26903/tcp", wantPort: 26900, wantProtos: []Proto{TCP}, wantOK: true},
		{name: "udp only", raw: "7777/udp", wantPort: 7777, wantProtos: []Proto{UDP}, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Ports
			if tt.raw != "" {
				var err error
				p, err = Parse(tt.raw)
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
			}
			port, protos, ok := p.First()
			if ok != tt.wantOK {
				t.Fatalf("First() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if port != tt.wantPort {
				t.Errorf("First() port = %d, want %d", port, tt.wantPort)
			}
			if len(protos) != len(tt.wantProtos) {
				t.Fatalf("First() protos = %v, want %v", protos, tt.wantProtos)
			}
			for i := range protos {
				if protos[i] != tt.wantProtos[i] {
					t.Errorf("First() protos[%d] = %v, want %v", i, protos[i], tt.wantProtos[i])
				}
			}
		})
	}
}
