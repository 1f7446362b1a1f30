package flagkey

import "testing"

func TestParseCustom(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "tenant prefix", in: "TENANT_HOLIDAY_BANNER", wantErr: false},
		{name: "platform prefix", in: "FF_MAP_CARD", wantErr: false},
		{name: "no prefix", in: "map_card", wantErr: true},
		{name: "lowercase prefix", in: "tenant_foo", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace only", in: "   ", wantErr: true},
		{name: "embedded space", in: "FF_MAP CARD", wantErr: true},
		{name: "slash", in: "FF_A/B", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCustom(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCustom(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestParse_AcceptsLegacyUnprefixed(t *testing.T) {
	// Existing platform flags may predate the FF_ convention.
	k, err := Parse("storefront_v2")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if k.TenantScoped() {
		t.Error("unprefixed key must not be tenant scoped")
	}
}

func TestKey_TenantScoped(t *testing.T) {
	if !Key("TENANT_X").TenantScoped() {
		t.Error("TENANT_ key should be tenant scoped")
	}
	if Key("FF_X").TenantScoped() {
		t.Error("FF_ key should not be tenant scoped")
	}
}
