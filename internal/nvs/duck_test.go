package nvs

import (
	"testing"

	"github.com/kilnworks/dehydrator/internal/errors"
)

func TestDuck_Reopen(t *testing.T) {
	dir := t.TempDir()

	p, err := OpenDuck(dir, "measured")
	if err != nil {
		t.Fatalf("OpenDuck: %v", err)
	}
	ns, _ := p.Namespace("comp")
	for _, k := range []string{"z", "a", "m"} {
		if err := ns.Set([]byte(k), []byte("v"+k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if err := ns.Set([]byte("z"), []byte("again")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p, err = OpenDuck(dir, "measured")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close()
	ns, _ = p.Namespace("comp")

	got, err := ns.Get([]byte("z"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "again" {
		t.Errorf("Get(z) = %q, want again", got)
	}

	keys := collect(t, ns)
	want := []string{"z", "a", "m"}
	if len(keys) != len(want) {
		t.Fatalf("Entries = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Entries[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	if _, err := ns.Get([]byte("missing")); !errors.Is(err, errors.ErrBlobNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrBlobNotFound", err)
	}
}
