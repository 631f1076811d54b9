package model

import "testing"

func TestIsTemporaryID(t *testing.T) {
	if !IsTemporaryID("optimistic-abc") {
		t.Fatal("optimistic- prefix should be temporary")
	}
	if IsTemporaryID("2f1c7a0e-3d3b-4f0b-9f5e-6a1d2c3b4a5f") {
		t.Fatal("uuid should not be temporary")
	}
	if !(Chat{ID: TempIDPrefix + "x"}).IsTemporary() {
		t.Fatal("Chat.IsTemporary() = false")
	}
}

func TestUserProfileApply(t *testing.T) {
	name := "Grace"
	prompt := ""
	base := UserProfile{ID: "u1", DisplayName: "Ada", SystemPrompt: "be brief", PreferredModel: "m1"}
	got := base.Apply(UserPatch{DisplayName: &name, SystemPrompt: &prompt})
	if got.DisplayName != "Grace" || got.SystemPrompt != "" || got.PreferredModel != "m1" {
		t.Fatalf("Apply() = %+v", got)
	}
	if base.DisplayName != "Ada" {
		t.Fatal("Apply() mutated the receiver")
	}
}
