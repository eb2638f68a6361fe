package ikey

import "testing"

func TestUserKeyCompare(t *testing.T) {
	a := UserKey("aaa")
	b := UserKey("bbb")
	c := UserKey("aaa")

	if a.Compare(b) >= 0 {
		t.Errorf("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Errorf("expected b > a")
	}
	if a.Compare(c) != 0 {
		t.Errorf("expected a == c")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k := New([]byte("hello"), 42, KindValue)

	if got := string(k.UserKey()); got != "hello" {
		t.Errorf("UserKey() = %q, want hello", got)
	}
	if got := k.Seq(); got != 42 {
		t.Errorf("Seq() = %d, want 42", got)
	}
	if got := k.Kind(); got != KindValue {
		t.Errorf("Kind() = %d, want KindValue", got)
	}
	if !k.Valid() {
		t.Errorf("Valid() = false, want true")
	}
}

func TestKeyCompareOrdersByUserKeyThenSeqThenKind(t *testing.T) {
	a := New([]byte("a"), 5, KindValue)
	b := New([]byte("b"), 5, KindValue)
	if a.Compare(b) >= 0 {
		t.Errorf("expected a < b by user key")
	}

	newer := New([]byte("k"), 10, KindValue)
	older := New([]byte("k"), 5, KindValue)
	if newer.Compare(older) >= 0 {
		t.Errorf("expected newer sequence to sort first")
	}

	del := New([]byte("k"), 5, KindDeletion)
	val := New([]byte("k"), 5, KindValue)
	if val.Compare(del) >= 0 {
		t.Errorf("expected higher kind (value) to sort before lower kind (deletion) at equal seq")
	}
}

func TestNewSeekSortsBeforeAnyRealEntryAtSameUserKey(t *testing.T) {
	seek := NewSeek([]byte("k"))
	real := New([]byte("k"), 1, KindValue)
	if seek.Compare(real) >= 0 {
		t.Errorf("expected seek key to sort before any real entry for the same user key")
	}
}

func TestIsValidUserKey(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
		want bool
	}{
		{"empty", nil, false},
		{"normal", []byte("k"), true},
		{"too large", make([]byte, 1<<20+1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidUserKey(tc.key); got != tc.want {
				t.Errorf("IsValidUserKey(%s) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestKeyCloneIsIndependent(t *testing.T) {
	orig := New([]byte("k"), 1, KindValue)
	clone := orig.Clone()
	clone[0] = 'x'
	if orig[0] == 'x' {
		t.Errorf("mutating clone affected original")
	}
}
