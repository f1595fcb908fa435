package objstore

import (
	"context"
	"errors"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"/games/a/v1.zip":       "games/a/v1.zip",
		"games/../../etc/passwd": "games/etc/passwd",
		"./x//y":                "x/y",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
	if got := ArchiveKey("g", "v1.0.0", ".zip"); got != "games/g/v1.0.0.zip" {
		t.Fatalf("archive key = %s", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Config{}); err == nil {
		t.Fatalf("empty driver must fail")
	}
	if err := Validate(Config{Driver: "oss", Bucket: "b"}); err == nil {
		t.Fatalf("oss without endpoint must fail")
	}
	if err := Validate(Config{Driver: "mem"}); err != nil {
		t.Fatalf("mem: %v", err)
	}
	if got := buildS3URL(Config{Bucket: "b", Region: "us-east-1", ForcePathStyle: true}); got != "s3://b?region=us-east-1&s3ForcePathStyle=true" {
		t.Fatalf("s3 url = %s", got)
	}
}

func TestBucketDrivers(t *testing.T) {
	ctx := context.Background()
	for _, c := range []Config{{Driver: "mem"}, {Driver: "file", BaseDir: t.TempDir()}} {
		st, err := Open(ctx, c)
		if err != nil {
			t.Fatalf("%s open: %v", c.Driver, err)
		}
		key := ArchiveKey("g", "v1", "zip")
		if err := st.Put(ctx, key, []byte("PK"), "application/zip"); err != nil {
			t.Fatalf("%s put: %v", c.Driver, err)
		}
		b, err := st.Get(ctx, key)
		if err != nil || string(b) != "PK" {
			t.Fatalf("%s get: %q %v", c.Driver, b, err)
		}
		if err := st.Delete(ctx, key); err != nil {
			t.Fatalf("%s delete: %v", c.Driver, err)
		}
		if _, err := st.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: want not found, got %v", c.Driver, err)
		}
		_ = st.Close()
	}
}
