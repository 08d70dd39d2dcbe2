package channel

import "testing"

// Weighting mirrors how hard each message class presses on the agent's
// drives; the exact numbers are tuning, the ordering is the contract.
func TestMessageWeight(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		fromOwner   bool
		isDM        bool
		mentionsBot bool
		want        float64
	}{
		{name: "plain channel chatter", content: "nice weather", want: 0.5},
		{name: "owner message", content: "hey", fromOwner: true, want: 0.9},
		{name: "direct message", content: "hey", isDM: true, want: 0.8},
		{name: "bot mention", content: "hey @agent", mentionsBot: true, want: 0.85},
		{name: "urgent keyword", content: "the build is broken", want: 0.8},
		{name: "owner beats mention", content: "hm", fromOwner: true, mentionsBot: true, want: 0.9},
		{name: "urgent does not lower a mention", content: "help", mentionsBot: true, want: 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := messageWeight(tt.content, tt.fromOwner, tt.isDM, tt.mentionsBot)
			if got != tt.want {
				t.Errorf("weight = %v, want %v", got, tt.want)
			}
		})
	}
}
