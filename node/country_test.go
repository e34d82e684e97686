package node

import "testing"

func TestDetectCountry(t *testing.T) {
	cases := map[string]string{
		"🇺🇸 US 01":          "US",
		"美国 洛杉矶":            "US",
		"Japan Tokyo 02":    "JP",
		"HK-01 IPLC":        "HK",
		"UK London":         "GB",
		"中国香港 01":           "HK",
		"印度尼西亚 | 01":        "ID",
		"south korea seoul": "KR",
		"CN2 GIA-US 01":     "US",
		"IPLC IN-SG":        "SG",
		"[JP]Osaka":         "JP",
	}
	for name, want := range cases {
		got, ok := DetectCountry(name)
		if !ok || got != want {
			t.Fatalf("DetectCountry(%q)=%q,%v want %q", name, got, ok, want)
		}
	}
}

func TestDetectCountryNone(t *testing.T) {
	for _, name := range []string{"Premium Node", "node-01", "", "Indiana Jones", "CN2 GIA", "HK2 relay", "2US"} {
		if code, ok := DetectCountry(name); ok {
			t.Fatalf("DetectCountry(%q) should find nothing, got %q", name, code)
		}
	}
}

func TestRenameKeepsMarkerStyle(t *testing.T) {
	cases := []struct {
		name string
		code string
		want string
	}{
		{"🇺🇸 US 01", "JP", "🇯🇵 JP 01"},
		{"美国 Node", "JP", "日本 Node"},
		{"United States 1", "UK", "United Kingdom 1"},
		{"Fast Node", "JP", "🇯🇵 Fast Node"},
		{"🇯🇵 Tokyo", "JP", "🇯🇵 Tokyo"},
	}
	for _, tc := range cases {
		if got := Rename(tc.name, tc.code); got != tc.want {
			t.Fatalf("Rename(%q,%q)=%q want %q", tc.name, tc.code, got, tc.want)
		}
	}
}

func TestCorrectPreservesOriginal(t *testing.T) {
	d := Descriptor{Name: "🇺🇸 US 01", Protocol: Trojan, Server: "t.example", Port: 443, Settings: TrojanSettings{Password: "p"}}
	c := Correct(d, "jp")
	if c.OriginalName != "🇺🇸 US 01" || c.Name != "🇯🇵 JP 01" || c.CountryCode != "JP" {
		t.Fatalf("unexpected corrected node: %+v", c)
	}
	if d.Name != "🇺🇸 US 01" {
		t.Fatalf("input descriptor was mutated: %q", d.Name)
	}
}

func TestFlag(t *testing.T) {
	if got := Flag("jp"); got != "🇯🇵" {
		t.Fatalf("unexpected flag: %q", got)
	}
	if got := Flag("UK"); got != "🇬🇧" {
		t.Fatalf("unexpected flag for UK alias: %q", got)
	}
	if got := Flag("X"); got != "" {
		t.Fatalf("expected empty flag for invalid code, got %q", got)
	}
}
