package webfs

import (
	"io/fs"
	"testing"
)

func TestStaticHasIndex(t *testing.T) {
	data, err := fs.ReadFile(Static(), "index.html")
	if err != nil {
		t.Fatalf("reading index.html: %v", err)
	}
	if len(data) == 0 {
		t.Error("index.html is empty")
	}
}
