package handlers

import (
	"testing"

	"github.com/medsched/medsched/services/directory-service/internal/storage"
)

func TestPasswordHashing(t *testing.T) {
	password := "pass123"
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if err := verifyPassword(hash, password); err != nil {
		t.Fatalf("verifyPassword should succeed: %v", err)
	}
	if err := verifyPassword(hash, "wrong-pass"); err == nil {
		t.Fatal("verifyPassword should fail for wrong password")
	}
}

func TestValidateTemplate(t *testing.T) {
	ok := map[int][]storage.Window{
		1: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 780, EndMinute: 1020}},
		2: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 720, EndMinute: 1020}},
	}
	if err := validateTemplate(ok); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}

	cases := map[string]map[int][]storage.Window{
		"bad weekday":      {7: {{StartMinute: 0, EndMinute: 60}}},
		"inverted window":  {1: {{StartMinute: 600, EndMinute: 540}}},
		"past midnight":    {1: {{StartMinute: 540, EndMinute: 1500}}},
		"overlapping pair": {1: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 700, EndMinute: 800}}},
	}
	for name, windows := range cases {
		if err := validateTemplate(windows); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
