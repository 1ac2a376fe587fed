package browser

import (
	"context"
	"testing"
)

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "script": true}
	cases := map[string]bool{
		"Image":      true,
		"font":       true,
		"Stylesheet": false,
		"Media":      false,
		"Script":     true,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(set, typ); got != want {
			t.Errorf("shouldBlock(%q): got %v, want %v", typ, got, want)
		}
	}
}

func TestOpenTab_NotStarted(t *testing.T) {
	m := NewManager(DefaultConfig())
	if _, err := m.OpenTab(context.Background(), "https://www.flipkart.com/"); err == nil {
		t.Fatal("expected error without a browser")
	}
}

func TestStart_AfterClose(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Close()
	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error after Close")
	}
}
