package mention

import (
	"reflect"
	"sort"
	"testing"
)

func namesOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestSingleDeviceFanOut(t *testing.T) {
	roster := []RosterEntry{{Name: "alpha"}, {Name: "bravo"}, {Name: "gamma"}}

	recipients, mentions := Route("@bravo @gamma hello", "alpha", roster)

	if got := namesOf(recipients); !reflect.DeepEqual(got, []string{"bravo", "gamma"}) {
		t.Fatalf("recipients = %v", got)
	}
	if !reflect.DeepEqual(mentions, []string{"bravo", "gamma"}) {
		t.Fatalf("mentions = %v", mentions)
	}
}

func TestTagBroadcast(t *testing.T) {
	roster := []RosterEntry{
		{Name: "api-luna", Tag: "api"},
		{Name: "api-nova", Tag: "api"},
		{Name: "web-kira", Tag: "web"},
	}

	recipients, mentions := Route("@api- deploy", "api-luna", roster)

	if got := namesOf(recipients); !reflect.DeepEqual(got, []string{"api-nova"}) {
		t.Fatalf("recipients = %v (api-luna is the sender and must be excluded)", got)
	}
	if _, ok := recipients["web-kira"]; ok {
		t.Fatal("web-kira should not receive an @api- broadcast")
	}
	_ = mentions
}

func TestTagNameCollisionResolvesToName(t *testing.T) {
	roster := []RosterEntry{
		{Name: "luna", Tag: "other"},
		{Name: "zeta", Tag: "luna"},
	}

	recipients, _ := Route("@luna hi", "someone", roster)

	if _, ok := recipients["luna"]; !ok {
		t.Fatal("expected exact name match to win over tag match")
	}
	if _, ok := recipients["zeta"]; ok {
		t.Fatal("zeta (tagged luna) should not be a recipient when a name luna exists")
	}
}

func TestPrefixMatchSuppressedAcrossUnderscore(t *testing.T) {
	roster := []RosterEntry{{Name: "alpha"}, {Name: "alpha_subagent1"}}

	recipients, _ := Route("@alpha hi", "someone", roster)

	if _, ok := recipients["alpha"]; !ok {
		t.Fatal("expected exact match alpha")
	}
	if _, ok := recipients["alpha_subagent1"]; ok {
		t.Fatal("underscore segment must suppress prefix routing to subagents")
	}
}

func TestUnknownTokenSilentlyDropped(t *testing.T) {
	roster := []RosterEntry{{Name: "alpha"}}

	recipients, mentions := Route("@nobody hello", "someone", roster)

	if len(recipients) != 0 || len(mentions) != 0 {
		t.Fatalf("expected no recipients/mentions for unknown token, got %v %v", recipients, mentions)
	}
}

func TestCrossDeviceCompositeKey(t *testing.T) {
	roster := []RosterEntry{{Name: "relaytest:AAAA"}}

	recipients, _ := Route("@relaytest:AAAA hi", "someone", roster)

	if _, ok := recipients["relaytest:AAAA"]; !ok {
		t.Fatal("expected composite key match")
	}
}

func TestRouteIsDeterministicGivenSameRoster(t *testing.T) {
	roster := []RosterEntry{{Name: "alpha"}, {Name: "bravo"}}

	r1, m1 := Route("@bravo hi", "alpha", roster)
	r2, m2 := Route("@bravo hi", "alpha", roster)

	if !reflect.DeepEqual(namesOf(r1), namesOf(r2)) || !reflect.DeepEqual(m1, m2) {
		t.Fatal("Route must be a pure function of (text, sender, roster)")
	}
}
