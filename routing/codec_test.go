package routing

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	cases := []*Command{
		{
			Kind:         KindAssignClient,
			AssignClient: &AssignClient{Instance: "app-1"},
		},
		{
			Kind:            KindAssignClientAck,
			AssignClientAck: &AssignClientAck{Client: 0x1234},
		},
		{
			Kind: KindRoutingInfo,
			RoutingInfo: &RoutingInfo{
				Entries: []RoutingInfoEntry{
					{
						Type:    EntryAddServiceInstance,
						Client:  0x0042,
						Address: "10.0.0.5",
						Port:    30509,
						Services: []ServiceTuple{
							{Service: 0x3333, Instance: 0x0001, Major: 1, Minor: 0},
						},
					},
				},
			},
		},
		{
			Kind: KindSubscribe,
			Subscribe: &Subscribe{
				Service:    0x3333,
				Instance:   0x0001,
				Eventgroup: 0x0010,
				Major:      1,
				Event:      0x8001,
				PendingID:  LocalPendingID,
				Client:     0x0042,
			},
		},
		{
			Kind: KindSend,
			Send: &Send{
				Instance: 1,
				Reliable: false,
				Status:   0,
				SomeIP:   []byte{1, 2, 3, 4},
			},
		},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteCommand(&buf, SenderApplication, want); err != nil {
			t.Fatalf("write: %s", err.Error())
		}

		got, sender, err := ReadCommand(&buf, map[SenderID]struct{}{SenderApplication: {}})
		if err != nil {
			t.Fatalf("read: %s", err.Error())
		}
		if sender != SenderApplication {
			t.Fatalf("sender mismatch: got=%v want=%v", sender, SenderApplication)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\ngot=%+v\nwant=%+v", got, want)
		}
	}
}

func TestReadCommandRejectsUnknownSender(t *testing.T) {
	var buf bytes.Buffer
	cmd := &Command{Kind: KindPing, Ping: &Ping{}}
	if err := WriteCommand(&buf, SenderRoutingHost, cmd); err != nil {
		t.Fatalf("write: %s", err.Error())
	}

	_, _, err := ReadCommand(&buf, map[SenderID]struct{}{SenderApplication: {}})
	if err == nil {
		t.Fatal("expected error for disallowed sender")
	}
}

func TestReadCommandRejectsBadPattern(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, wireVersion, byte(SenderApplication), 0, 0, 0, 0})
	_, _, err := ReadCommand(buf, map[SenderID]struct{}{SenderApplication: {}})
	if err == nil {
		t.Fatal("expected error for bad pattern byte")
	}
}
