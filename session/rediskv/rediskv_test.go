package rediskv

import (
	"context"
	"os"
	"testing"

	"lds.li/weblategate/session/kvtest"
)

func TestKV_E2E(t *testing.T) {
	url := os.Getenv("WEBLATEGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("WEBLATEGATE_TEST_REDIS_URL not set")
	}

	kv, err := NewFromURL(url, &Opts{Prefix: "weblategate-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	if err := kv.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}

	kvtest.RunComplianceTest(t, kv, nil)
}
