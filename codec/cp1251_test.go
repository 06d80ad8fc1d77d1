package codec

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

func TestDecodeASCIIIdentity(t *testing.T) {
	t.Parallel()
	for b := 0; b < 0x80; b++ {
		got := Decode([]byte{byte(b)})
		if got != string(rune(b)) {
			t.Fatalf("Decode(%#x)=%q want %q", b, got, string(rune(b)))
		}
	}
}

func TestDecodeUpperHalfMatchesTable(t *testing.T) {
	t.Parallel()
	for i, want := range upper {
		b := byte(0x80 + i)
		got := Decode([]byte{b})
		if r, _ := utf8.DecodeRuneInString(got); r != want || utf8.RuneCountInString(got) != 1 {
			t.Fatalf("Decode(%#x)=%q want %U", b, got, want)
		}
	}
}

func TestTableAgreesWithCharmap(t *testing.T) {
	t.Parallel()
	for i := range upper {
		b := byte(0x80 + i)
		if b == 0x98 {
			continue // unassigned; oracles disagree on the placeholder
		}
		if got, want := Rune(b), charmap.Windows1251.DecodeByte(b); got != want {
			t.Fatalf("byte %#x: table %U charmap %U", b, got, want)
		}
	}
}

func TestCyrillicLetterRanges(t *testing.T) {
	t.Parallel()
	tests := []struct {
		b    byte
		want rune
	}{
		{0xC0, 'А'},
		{0xDF, 'Я'},
		{0xE0, 'а'},
		{0xFF, 'я'},
		{0xA8, 'Ё'},
		{0xB8, 'ё'},
		{0xAB, '«'},
		{0xBB, '»'},
		{0xB9, '№'},
		{0x98, 0x98},
	}
	for _, tt := range tests {
		if got := Rune(tt.b); got != tt.want {
			t.Fatalf("Rune(%#x)=%U want %U", tt.b, got, tt.want)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	in := `12;"Материал «Пример материала» запрещён";`
	enc, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	oracle, err := charmap.Windows1251.NewEncoder().String(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(enc) != oracle {
		t.Fatalf("Encode disagrees with charmap encoder")
	}
	if got := Decode(enc); got != in {
		t.Fatalf("Decode(Encode(x))=%q want %q", got, in)
	}
}

func TestEncodeUnmappable(t *testing.T) {
	t.Parallel()
	_, err := Encode("日本")
	if !errors.Is(err, ErrUnmappable) {
		t.Fatalf("err=%v want ErrUnmappable", err)
	}
}

func TestDecodeRegistryBOMFallsBackToUTF8(t *testing.T) {
	t.Parallel()
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("1;\"«Тест»\"")...)
	text, degraded := DecodeRegistry(data)
	if !degraded {
		t.Fatal("expected degraded result for BOM payload")
	}
	if text != "1;\"«Тест»\"" {
		t.Fatalf("text=%q", text)
	}
}

func TestDecodeRegistryBOMWithCorruptTail(t *testing.T) {
	t.Parallel()
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("abc\xff")...)
	text, degraded := DecodeRegistry(data)
	if !degraded {
		t.Fatal("expected degraded result")
	}
	if !strings.HasPrefix(text, "abc") || !utf8.ValidString(text) {
		t.Fatalf("text=%q", text)
	}
}
