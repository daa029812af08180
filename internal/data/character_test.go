package data

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gorm.io/gorm"
)

func seedCharacter(t *testing.T, db *gorm.DB, accountID uint64, slot int8, name string) *Character {
	t.Helper()
	character := &Character{
		AccountID: accountID,
		Slot:      slot,
		Name:      name,
		Level:     1,
		MaxHP:     100,
		HP:        100,
		X:         100,
		Y:         200,
		Z:         0,
	}
	if err := CreateCharacter(db, character); err != nil {
		t.Fatalf("error creating test character: %v", err)
	}
	return character
}

func assertCharactersMatch(t *testing.T, expected *Character, got *Character) {
	t.Helper()
	if expected == nil && got == nil {
		return
	}

	opts := cmpopts.IgnoreFields(Character{}, "DeletedAt", "Account")
	if diff := cmp.Diff(expected, got, opts); diff != "" {
		t.Errorf("character did not match expected; diff:\n%s", diff)
	}
}

func TestFindCharacter(t *testing.T) {
	db := setUpDatabase(t)
	account, err := CreateAccount(db, "test", "test", "a@b.c")
	if err != nil {
		t.Fatalf("error creating test account: %v", err)
	}

	character, err := FindCharacter(db, account.ID, 0)
	if err != nil {
		t.Fatalf("FindCharacter() returned an unexpected error: %v", err)
	}
	if character != nil {
		t.Fatalf("FindCharacter() returned a character unexpectedly: %v", character)
	}

	created := seedCharacter(t, db, account.ID, 0, "Alpha")
	seedCharacter(t, db, account.ID, 1, "Beta")

	character, err = FindCharacter(db, account.ID, 0)
	if err != nil {
		t.Fatalf("FindCharacter() returned an unexpected error: %v", err)
	}
	assertCharactersMatch(t, created, character)

	byID, err := FindCharacterByID(db, created.ID)
	if err != nil {
		t.Fatalf("FindCharacterByID() returned an unexpected error: %v", err)
	}
	assertCharactersMatch(t, created, byID)
}

func TestFindCharactersOrdersBySlot(t *testing.T) {
	db := setUpDatabase(t)
	account, err := CreateAccount(db, "test", "test", "a@b.c")
	if err != nil {
		t.Fatalf("error creating test account: %v", err)
	}

	seedCharacter(t, db, account.ID, 2, "Gamma")
	seedCharacter(t, db, account.ID, 0, "Alpha")
	seedCharacter(t, db, account.ID, 1, "Beta")

	characters, err := FindCharacters(db, account.ID)
	if err != nil {
		t.Fatalf("FindCharacters() returned an unexpected error: %v", err)
	}
	if len(characters) != 3 {
		t.Fatalf("expected 3 characters, got %d", len(characters))
	}
	for i, name := range []string{"Alpha", "Beta", "Gamma"} {
		if characters[i].Name != name {
			t.Errorf("expected slot order [Alpha Beta Gamma], got %s at %d", characters[i].Name, i)
		}
	}
}

func TestUpdateCharacters(t *testing.T) {
	db := setUpDatabase(t)
	account, err := CreateAccount(db, "test", "test", "a@b.c")
	if err != nil {
		t.Fatalf("error creating test account: %v", err)
	}

	first := seedCharacter(t, db, account.ID, 0, "Alpha")
	second := seedCharacter(t, db, account.ID, 1, "Beta")

	first.X, first.Y = 5000, 6000
	second.Level = 12
	if err := UpdateCharacters(db, []*Character{first, second}); err != nil {
		t.Fatalf("UpdateCharacters() returned an unexpected error: %v", err)
	}

	reloaded, err := FindCharacterByID(db, first.ID)
	if err != nil {
		t.Fatalf("FindCharacterByID() returned an unexpected error: %v", err)
	}
	assertCharactersMatch(t, first, reloaded)

	reloaded, err = FindCharacterByID(db, second.ID)
	if err != nil {
		t.Fatalf("FindCharacterByID() returned an unexpected error: %v", err)
	}
	assertCharactersMatch(t, second, reloaded)
}

func TestDeleteCharacterFreesTheSlot(t *testing.T) {
	db := setUpDatabase(t)
	account, err := CreateAccount(db, "test", "test", "a@b.c")
	if err != nil {
		t.Fatalf("error creating test account: %v", err)
	}

	character := seedCharacter(t, db, account.ID, 0, "Alpha")
	if err := DeleteCharacter(db, character); err != nil {
		t.Fatalf("DeleteCharacter() returned an unexpected error: %v", err)
	}

	found, err := FindCharacter(db, account.ID, 0)
	if err != nil {
		t.Fatalf("FindCharacter() returned an unexpected error: %v", err)
	}
	if found != nil {
		t.Fatalf("FindCharacter() returned a deleted character: %v", found)
	}
}

func TestBuddyRelationIsSymmetric(t *testing.T) {
	db := setUpDatabase(t)
	account, err := CreateAccount(db, "test", "test", "a@b.c")
	if err != nil {
		t.Fatalf("error creating test account: %v", err)
	}

	first := seedCharacter(t, db, account.ID, 0, "Alpha")
	second := seedCharacter(t, db, account.ID, 1, "Beta")

	if err := AddBuddies(db, first.ID, second.ID); err != nil {
		t.Fatalf("AddBuddies() returned an unexpected error: %v", err)
	}

	for _, pair := range [][2]uint64{{first.ID, second.ID}, {second.ID, first.ID}} {
		ids, err := FindBuddyIDs(db, pair[0])
		if err != nil {
			t.Fatalf("FindBuddyIDs() returned an unexpected error: %v", err)
		}
		if len(ids) != 1 || ids[0] != pair[1] {
			t.Fatalf("expected %d to have buddy %d, got %v", pair[0], pair[1], ids)
		}
	}

	if err := RemoveBuddies(db, second.ID, first.ID); err != nil {
		t.Fatalf("RemoveBuddies() returned an unexpected error: %v", err)
	}
	for _, id := range []uint64{first.ID, second.ID} {
		ids, err := FindBuddyIDs(db, id)
		if err != nil {
			t.Fatalf("FindBuddyIDs() returned an unexpected error: %v", err)
		}
		if len(ids) != 0 {
			t.Fatalf("expected no buddies for %d, got %v", id, ids)
		}
	}
}
