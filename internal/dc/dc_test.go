package dc

import "testing"

func TestEndpointDedup(t *testing.T) {
	d := New(2)
	d.AddEndpoint(false, false, "149.154.167.50", 443)
	d.AddEndpoint(false, false, "149.154.167.50", 80) // same host, dropped
	d.AddEndpoint(false, false, "149.154.167.51", 443)

	eps := d.Endpoints(false, false)
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].Port != 443 {
		t.Fatal("duplicate insert replaced the original entry")
	}
}

func TestEndpointOptionIndex(t *testing.T) {
	d := New(2)
	d.AddEndpoint(false, false, "v4-main", 443)
	d.AddEndpoint(true, false, "v6-main", 443)
	d.AddEndpoint(false, true, "v4-media", 443)
	d.AddEndpoint(true, true, "v6-media", 443)

	cases := []struct {
		ipv6, media bool
		host        string
	}{
		{false, false, "v4-main"},
		{true, false, "v6-main"},
		{false, true, "v4-media"},
		{true, true, "v6-media"},
	}
	for _, tc := range cases {
		eps := d.Endpoints(tc.ipv6, tc.media)
		if len(eps) != 1 || eps[0].Host != tc.host {
			t.Fatalf("Endpoints(%v, %v) = %v, want [%s]", tc.ipv6, tc.media, eps, tc.host)
		}
	}
}

func TestPrimaryAndRotate(t *testing.T) {
	d := New(2)
	if _, ok := d.PrimaryEndpoint(false); ok {
		t.Fatal("empty DC reported a primary endpoint")
	}

	d.AddEndpoint(false, false, "a", 1)
	d.AddEndpoint(false, false, "b", 2)
	d.AddEndpoint(false, false, "c", 3)

	ep, ok := d.PrimaryEndpoint(false)
	if !ok || ep.Host != "a" {
		t.Fatalf("primary = %v", ep)
	}

	d.RotateEndpoint(false)
	ep, _ = d.PrimaryEndpoint(false)
	if ep.Host != "b" {
		t.Fatalf("after rotate primary = %v, want b", ep)
	}

	d.RotateEndpoint(false)
	d.RotateEndpoint(false)
	ep, _ = d.PrimaryEndpoint(false)
	if ep.Host != "a" {
		t.Fatalf("rotation did not wrap: %v", ep)
	}
}

func TestKeyFlags(t *testing.T) {
	d := New(2)
	var key [256]byte
	key[0] = 1

	if d.Has(FlagHasPermKey) {
		t.Fatal("fresh DC has perm key flag")
	}
	d.SetPermKey(key, 42)
	if !d.Has(FlagHasPermKey) || d.AuthKeyID != 42 {
		t.Fatal("SetPermKey did not record key")
	}

	d.AdoptPermKeyAsTemp()
	if !d.Has(FlagHasTempKey | FlagBound) {
		t.Fatal("AdoptPermKeyAsTemp did not mark bound")
	}
	if d.TempAuthKeyID != d.AuthKeyID || d.TempAuthKey != d.AuthKey {
		t.Fatal("temp slot does not equal perm key")
	}

	d.ClearTempKey()
	if d.Has(FlagHasTempKey) || d.Has(FlagBound) || d.TempAuthKeyID != 0 {
		t.Fatal("ClearTempKey left state behind")
	}
	if !d.Has(FlagHasPermKey) {
		t.Fatal("ClearTempKey dropped the permanent key flag")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get(1) != nil {
		t.Fatal("empty registry returned a DC")
	}

	d1 := r.GetOrCreate(1)
	if r.GetOrCreate(1) != d1 {
		t.Fatal("GetOrCreate allocated twice")
	}
	r.GetOrCreate(4)
	r.GetOrCreate(2)

	var order []int32
	r.Iterate(func(d *DC) { order = append(order, d.ID) })
	want := []int32{1, 2, 4}
	if len(order) != len(want) {
		t.Fatalf("iterated %d DCs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("iteration order %v, want %v", order, want)
		}
	}
}

type fixedClock struct {
	wall, mono float64
}

func (c fixedClock) Wall() float64 { return c.wall }
func (c fixedClock) Mono() float64 { return c.mono }

func TestServerTime(t *testing.T) {
	d := New(2)
	d.ServerTimeUDelta = 25
	clk := fixedClock{wall: 1000, mono: 100}
	if got := ServerTime(clk, d); got != 125 {
		t.Fatalf("ServerTime = %v, want 125", got)
	}
}
