package form

import (
	"testing"
)

func sub(fields map[string][]string) *Submission {
	return &Submission{Fields: fields}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "HeLLo", "hello"},
		{"collapse whitespace", "a  b\t\nc", "a b c"},
		{"trim", "  hi  ", "hi"},
		{"strip punctuation", "Buy viagra now!!!", "buy viagra now"},
		{"keep email chars", "John@Example.COM", "john@example.com"},
		{"keep url chars", "http://spam.example/x", "http://spam.example/x"},
		{"strip control runes", "a\x1fb", "ab"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprint_FieldOrderInvariant(t *testing.T) {
	a := sub(map[string][]string{
		"name":    {"John"},
		"email":   {"john@example.com"},
		"message": {"Hello"},
	})
	b := sub(map[string][]string{
		"message": {"Hello"},
		"name":    {"John"},
		"email":   {"john@example.com"},
	})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("field order should not affect the digest")
	}
}

func TestFingerprint_ValueOrderInvariant(t *testing.T) {
	a := sub(map[string][]string{"tags": {"beta", "alpha"}})
	b := sub(map[string][]string{"tags": {"alpha", "beta"}})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("array value order should not affect the digest")
	}
}

func TestFingerprint_CaseAndWhitespaceInvariant(t *testing.T) {
	a := sub(map[string][]string{"message": {"Hello   World"}})
	b := sub(map[string][]string{"message": {"hello world"}})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("case/whitespace variation should not affect the digest")
	}
}

func TestFingerprint_FieldNameCaseInvariant(t *testing.T) {
	a := sub(map[string][]string{"Email": {"john@example.com"}, "name": {"John"}})
	b := sub(map[string][]string{"email": {"john@example.com"}, "Name": {"John"}})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("field name case should not affect the digest")
	}
}

func TestFingerprint_CaseCollidingNamesMerge(t *testing.T) {
	a := sub(map[string][]string{"Tag": {"beta"}, "tag": {"alpha"}})
	b := sub(map[string][]string{"tag": {"alpha", "beta"}})
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("case-colliding field names should merge into one canonical field")
	}
}

func TestFingerprint_DifferentContentDiffers(t *testing.T) {
	a := sub(map[string][]string{"message": {"hello"}})
	b := sub(map[string][]string{"message": {"goodbye"}})
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("different content should produce different digests")
	}
}

func TestFingerprint_VolatileFieldsExcluded(t *testing.T) {
	a := sub(map[string][]string{"message": {"hi"}, "csrf_token": {"abc123"}})
	b := sub(map[string][]string{"message": {"hi"}, "csrf_token": {"zzz999"}})
	c := sub(map[string][]string{"message": {"hi"}})
	if Fingerprint(a) != Fingerprint(b) || Fingerprint(a) != Fingerprint(c) {
		t.Fatal("volatile fields must not affect the digest")
	}
}

func TestFingerprint_EmptySentinel(t *testing.T) {
	empty := sub(map[string][]string{})
	onlyVolatile := sub(map[string][]string{"_csrf": {"tok"}})
	blank := sub(map[string][]string{"message": {"   "}})

	want := Fingerprint(empty)
	if want.IsZero() {
		t.Fatal("sentinel digest should not be zero")
	}
	if Fingerprint(onlyVolatile) != want || Fingerprint(blank) != want {
		t.Fatal("submissions with no hashable fields should share the sentinel digest")
	}
	real := sub(map[string][]string{"message": {"hi"}})
	if Fingerprint(real) == want {
		t.Fatal("real content must not collide with the sentinel")
	}
}

func TestContentFingerprint_IgnoresFieldNames(t *testing.T) {
	a := sub(map[string][]string{"message": {"Hello World"}})
	b := sub(map[string][]string{"comment": {"hello world"}})
	if ContentFingerprint(a) != ContentFingerprint(b) {
		t.Fatal("content-only digest should ignore field names")
	}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("full digest should still distinguish field names")
	}
}

func TestSubsetFingerprint(t *testing.T) {
	a := sub(map[string][]string{"email": {"a@b.com"}, "message": {"one"}})
	b := sub(map[string][]string{"email": {"a@b.com"}, "message": {"two"}})
	if SubsetFingerprint(a, []string{"email"}) != SubsetFingerprint(b, []string{"email"}) {
		t.Fatal("subset digest over email should match")
	}
	if SubsetFingerprint(a, []string{"message"}) == SubsetFingerprint(b, []string{"message"}) {
		t.Fatal("subset digest over message should differ")
	}
}

func TestDigestHexRoundTrip(t *testing.T) {
	d := Fingerprint(sub(map[string][]string{"a": {"b"}}))
	hexStr := d.Hex()
	if len(hexStr) != 64 {
		t.Fatalf("hex should be 64 chars, got %d", len(hexStr))
	}
	parsed, err := ParseDigestHex(hexStr)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != d {
		t.Fatal("round-trip mismatch")
	}
	if _, err := ParseDigestHex("xyz"); err == nil {
		t.Fatal("invalid hex should error")
	}
}
