package meshtypes

import "testing"

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("alpha@home")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.NodeID != "alpha" || a.Subdomain != "home" {
		t.Fatalf("got %+v", a)
	}
	if a.Display() != "alpha@home" {
		t.Fatalf("display = %q", a.Display())
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	cases := []string{"noatsign", "a@b@c", "a@", "@b", "ab@cd"}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestBroadcastAndSubdomainBroadcast(t *testing.T) {
	empty := NodeAddress{}
	if !empty.IsBroadcast() {
		t.Fatalf("zero address should be broadcast")
	}
	sub := NodeAddress{Subdomain: "home"}
	if !sub.IsSubdomainBroadcast() {
		t.Fatalf("empty nodeId with subdomain should be subdomain-broadcast")
	}
	if sub.Display() != "@home" {
		t.Fatalf("display = %q", sub.Display())
	}
}

func TestUUIDToken(t *testing.T) {
	u := UUID{0xab, 1, 2, 3, 4, 5, 6, 7}
	if u.Token() != 0xab {
		t.Fatalf("token = %x", u.Token())
	}
	u2, err := NewUUID()
	if err != nil {
		t.Fatalf("new uuid: %v", err)
	}
	if u2.IsZero() {
		t.Fatalf("fresh uuid should not be zero (astronomically unlikely)")
	}
}
