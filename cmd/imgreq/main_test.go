package main

import "testing"

func TestEnvOr(t *testing.T) {
	t.Setenv("IMGREQ_TEST_CONFIG", "")
	if got := envOr("IMGREQ_TEST_CONFIG", "/imgreq.yaml"); got != "/imgreq.yaml" {
		t.Errorf("empty env must fall back, got %q", got)
	}
	t.Setenv("IMGREQ_TEST_CONFIG", "/etc/imgreq.yaml")
	if got := envOr("IMGREQ_TEST_CONFIG", "/imgreq.yaml"); got != "/etc/imgreq.yaml" {
		t.Errorf("expected env value, got %q", got)
	}
}
