// Package kvtest checks session.KV implementations against the contract the
// session manager relies on.
package kvtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"lds.li/weblategate/session"
)

// RunComplianceTest runs the suite against kv. cleanup, if set, should reset
// the store to empty, and is called before each case.
func RunComplianceTest(t *testing.T, kv session.KV, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	run := func(name string, fn func(t *testing.T)) {
		t.Run(name, func(t *testing.T) {
			if cleanup != nil {
				cleanup()
			}
			fn(t)
		})
	}

	run("SetGetDelete", func(t *testing.T) {
		value := []byte("session-data")
		if err := kv.Set(ctx, "k1", time.Now().Add(time.Hour), value); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		got, found, err := kv.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !found || !bytes.Equal(got, value) {
			t.Fatalf("Get() = %q, %v; want %q, true", got, found, value)
		}

		if err := kv.Delete(ctx, "k1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, found, err := kv.Get(ctx, "k1"); err != nil || found {
			t.Fatalf("Get() after delete found = %v, err = %v", found, err)
		}
	})

	run("Overwrite", func(t *testing.T) {
		exp := time.Now().Add(time.Hour)
		if err := kv.Set(ctx, "k2", exp, []byte("one")); err != nil {
			t.Fatal(err)
		}
		if err := kv.Set(ctx, "k2", exp, []byte("two")); err != nil {
			t.Fatal(err)
		}
		got, _, err := kv.Get(ctx, "k2")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "two" {
			t.Errorf("Get() = %q, want two", got)
		}
	})

	run("Missing", func(t *testing.T) {
		if _, found, err := kv.Get(ctx, "missing"); err != nil || found {
			t.Errorf("Get(missing) found = %v, err = %v", found, err)
		}
		if err := kv.Delete(ctx, "missing"); err != nil {
			t.Errorf("Delete(missing) error = %v", err)
		}
	})

	run("Expired", func(t *testing.T) {
		if err := kv.Set(ctx, "k3", time.Now().Add(1*time.Second), []byte("soon")); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Second)
		if _, found, err := kv.Get(ctx, "k3"); err != nil || found {
			t.Errorf("expired item found = %v, err = %v", found, err)
		}
	})
}
