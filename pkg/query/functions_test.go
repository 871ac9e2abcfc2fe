package query

import "testing"

func TestMetaphoneCollapsesSimilarSpellings(t *testing.T) {
	if got := metaphone("Smith"); got != "SM0" {
		t.Fatalf("metaphone(Smith) = %q, want SM0", got)
	}
	if got := metaphone("Schmidt"); got != "SXMTT" {
		t.Fatalf("metaphone(Schmidt) = %q, want SXMTT", got)
	}
}

func TestMetaphoneEmpty(t *testing.T) {
	if got := metaphone(""); got != "" {
		t.Fatalf("metaphone(\"\") = %q, want empty", got)
	}
	if got := metaphone("1234"); got != "" {
		t.Fatalf("metaphone with no letters = %q, want empty", got)
	}
}

func TestDoubleMetaphoneMatchesPlainMetaphoneWhenUnambiguous(t *testing.T) {
	primary, secondary := doubleMetaphone("Robert")
	if primary != metaphone("Robert") {
		t.Fatalf("primary = %q, want metaphone result", primary)
	}
	if primary != secondary {
		t.Fatalf("expected no alternate reading for Robert, got primary=%q secondary=%q", primary, secondary)
	}
}

func TestDoubleMetaphoneProducesDistinctSecondaryForAmbiguousDigraph(t *testing.T) {
	primary, secondary := doubleMetaphone("Christoph")
	if primary == secondary {
		t.Fatalf("expected distinct primary/secondary codes for an initial CH, got %q for both", primary)
	}
	if primary != metaphone("Christoph") {
		t.Fatalf("primary = %q, want plain metaphone result", primary)
	}
}

func TestSoundexJaRomanizesKatakanaName(t *testing.T) {
	got := soundexJa("タナカ")
	if len(got) != 4 {
		t.Fatalf("soundexJa result %q should be 4 characters", got)
	}
	if got[0] != 'T' {
		t.Fatalf("soundexJa(タナカ) = %q, want leading T (from TA)", got)
	}
}

func TestSoundexJaMatchesSameNameAcrossHiraganaAndKatakana(t *testing.T) {
	hira := soundexJa("たなか")
	kata := soundexJa("タナカ")
	if hira != kata {
		t.Fatalf("soundexJa(たなか)=%q should equal soundexJa(タナカ)=%q", hira, kata)
	}
}

func TestSoundexJaEmpty(t *testing.T) {
	if got := soundexJa(""); got != "" {
		t.Fatalf("soundexJa(\"\") = %q, want empty", got)
	}
}
