package storage

import "testing"

func TestEvidencePath(t *testing.T) {
	path, err := EvidencePath("user-1", "ord_1", "up_9", "photo.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "returns/evidence/user-1/ord_1/up_9/photo.jpg"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
	if !OwnsEvidencePath(path, "user-1", "ord_1") {
		t.Fatalf("expected path to belong to user-1/ord_1")
	}
	if OwnsEvidencePath(path, "user-2", "ord_1") {
		t.Fatalf("expected path not to belong to user-2")
	}
}

func TestEvidencePathRejectsTraversal(t *testing.T) {
	for _, orderID := range []string{"../ord", "a/b", " "} {
		if _, err := EvidencePath("user-1", orderID, "up", "file.png"); !IsValidationError(err) {
			t.Fatalf("expected validation error for order id %q, got %v", orderID, err)
		}
	}
	if OwnsEvidencePath("returns/evidence/user-1/ord_1/../../x", "user-1", "ord_1") {
		t.Fatalf("expected unclean path to be rejected")
	}
}
