package broker

import "testing"

func TestRoutingKeysMatchSpec(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"agent", agentRoutingKey("A"), "agent.A"},
		{"service any", serviceAnyRoutingKey("S"), "service.S.any"},
		{"service instance", serviceInstanceRoutingKey("S", "1"), "service.S.instance.1"},
		{"channel", channelRoutingKey("A", "C"), "agent.A.channel.C.any"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Fatalf("got %q, want %q", c.got, c.want)
			}
		})
	}
}

func TestQueueNamesMatchSpec(t *testing.T) {
	if got, want := agentQueue("ns", "A"), "ns_q_agent_A"; got != want {
		t.Fatalf("agentQueue: got %q, want %q", got, want)
	}
	if got, want := serviceQueue("ns", "S"), "ns_q_service_S"; got != want {
		t.Fatalf("serviceQueue: got %q, want %q", got, want)
	}
	if got, want := channelQueue("ns", "A", "C"), "ns_A_q_channel_C"; got != want {
		t.Fatalf("channelQueue: got %q, want %q", got, want)
	}
}

func TestExchangeNames(t *testing.T) {
	if got, want := inExchange("ns"), "ns_e_in"; got != want {
		t.Fatalf("inExchange: got %q, want %q", got, want)
	}
	if got, want := outExchange("ns"), "ns_e_out"; got != want {
		t.Fatalf("outExchange: got %q, want %q", got, want)
	}
}
