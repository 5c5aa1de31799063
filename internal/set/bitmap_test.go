package set

import "testing"

func TestBitmapSetClearIsSet(t *testing.T) {
	b := MakeBitmap(128)

	b.Set(3)
	b.Set(70)

	if !b.IsSet(3) || !b.IsSet(70) {
		t.Fatal("expected bits 3 and 70 to be set")
	}

	if b.IsSet(4) {
		t.Fatal("bit 4 should not be set")
	}

	b.Clear(3)

	if b.IsSet(3) {
		t.Fatal("bit 3 should have been cleared")
	}
}

func TestBitmapFillSetAndSize(t *testing.T) {
	b := MakeBitmap(64)

	b.FillSet(0, 10)

	if got := b.Size(); got != 10 {
		t.Fatalf("expected 10 set bits, got %d", got)
	}
}

func TestBitmapFirst(t *testing.T) {
	b := MakeBitmap(200)

	if b.First() != -1 {
		t.Fatal("expected First() == -1 on an empty bitmap")
	}

	b.Set(130)
	b.Set(5)

	if got := b.First(); got != 5 {
		t.Fatalf("expected lowest set bit 5, got %d", got)
	}
}

func TestBitmapGrowsAcrossWords(t *testing.T) {
	b := MakeBitmap(1)

	b.Set(200)

	if !b.IsSet(200) {
		t.Fatal("expected Set to grow the backing words past the initial size hint")
	}
}
