package integrity

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHash_MatchesKeccakOfJoinedValues(t *testing.T) {
	order := []string{"name", "course", "date"}
	data := map[string]string{"date": "2024-05-01", "name": "Alice", "course": "Go"}

	got := Hash(order, data)
	want := crypto.Keccak256Hash([]byte("Alice|Go|2024-05-01"))
	if got != want {
		t.Errorf("Hash() = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestHash_FollowsDeclaredOrderNotMapOrder(t *testing.T) {
	data := map[string]string{"a": "1", "b": "2", "c": "3"}

	abc := Hash([]string{"a", "b", "c"}, data)
	for i := 0; i < 50; i++ {
		// Map iteration order is randomised; the hash must not be.
		if got := Hash([]string{"a", "b", "c"}, data); got != abc {
			t.Fatalf("Hash() not stable across calls: %s != %s", got.Hex(), abc.Hex())
		}
	}

	cba := Hash([]string{"c", "b", "a"}, data)
	if abc == cba {
		t.Error("Hash() ignored the declared order")
	}
}

func TestHash_MissingOptionalIsEmpty(t *testing.T) {
	order := []string{"name", "date"}
	withEmpty := Hash(order, map[string]string{"name": "Alice", "date": ""})
	withMissing := Hash(order, map[string]string{"name": "Alice"})
	if withEmpty != withMissing {
		t.Error("missing key should hash as empty string")
	}
}

func TestHash_IgnoresUndeclaredKeys(t *testing.T) {
	order := []string{"name"}
	base := Hash(order, map[string]string{"name": "Alice"})
	extra := Hash(order, map[string]string{"name": "Alice", "unused": "x"})
	if base != extra {
		t.Error("undeclared keys must not influence the hash")
	}
}

func TestHash_TamperChangesHash(t *testing.T) {
	order := []string{"name", "course"}
	orig := Hash(order, map[string]string{"name": "Alice", "course": "Go"})
	tampered := Hash(order, map[string]string{"name": "Alice", "course": "Rust"})
	if orig == tampered {
		t.Error("changing a field value did not change the hash")
	}
}

func TestHashValues_EqualsHash(t *testing.T) {
	order := []string{"x", "y"}
	data := map[string]string{"x": "foo", "y": "bar"}
	if Hash(order, data) != HashValues([]string{"foo", "bar"}) {
		t.Error("HashValues() disagrees with Hash() for the same ordered values")
	}
}

func TestCanonical(t *testing.T) {
	got := string(Canonical([]string{"b", "a"}, map[string]string{"a": "1", "b": "2"}))
	if got != "2|1" {
		t.Errorf("Canonical() = %q, want %q", got, "2|1")
	}
}
