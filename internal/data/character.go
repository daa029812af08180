package data

import (
	"errors"

	"gorm.io/gorm"
)

// Character is an instance of a character in one of the slots for an account.
type Character struct {
	ID        uint64 `gorm:"primaryKey"`
	Account   *Account
	AccountID uint64 `gorm:"index"`

	Slot  int8 `gorm:"not null"`
	Name  string
	Level int16
	MaxHP int32
	HP    int32

	X     int32
	Y     int32
	Z     int32
	Angle int32

	Playtime uint32

	DeletedAt gorm.DeletedAt
}

// Buddy is one direction of a confirmed buddy relation between characters.
// Relations are stored symmetrically: adding a pair writes both directions.
type Buddy struct {
	ID          uint64 `gorm:"primaryKey"`
	CharacterID uint64 `gorm:"index; not null"`
	BuddyID     uint64 `gorm:"not null"`
}

// FindCharacterByID returns the character with the given id, or nil.
func FindCharacterByID(db *gorm.DB, id uint64) (*Character, error) {
	var character Character
	err := db.First(&character, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &character, nil
}

// FindCharacter returns the Character associated with the account in
// the given slot or nil if none exists.
func FindCharacter(db *gorm.DB, accountID uint64, slot int8) (*Character, error) {
	var character Character
	err := db.Where("slot = ? AND account_id = ?", slot, accountID).First(&character).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &character, nil
}

// FindCharacters returns all of an account's characters ordered by slot.
func FindCharacters(db *gorm.DB, accountID uint64) ([]Character, error) {
	var characters []Character
	err := db.Where("account_id = ?", accountID).Order("slot").Find(&characters).Error
	if err != nil {
		return nil, err
	}
	return characters, nil
}

// CreateCharacter persists a Character to the database.
func CreateCharacter(db *gorm.DB, character *Character) error {
	return db.Create(character).Error
}

// UpdateCharacter updates an existing Character row with the contents of character.
func UpdateCharacter(db *gorm.DB, character *Character) error {
	return db.Updates(character).Error
}

// UpdateCharacters saves a batch of characters in one transaction, so a
// partially applied autosave can not be observed.
func UpdateCharacters(db *gorm.DB, characters []*Character) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, character := range characters {
			if err := tx.Updates(character).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCharacter soft-deletes a character record from the database.
func DeleteCharacter(db *gorm.DB, character *Character) error {
	return db.Delete(character).Error
}

// PermanentlyDeleteCharacter permanently deletes a character record from the database.
func PermanentlyDeleteCharacter(db *gorm.DB, character *Character) error {
	return db.Unscoped().Delete(character).Error
}

// FindBuddyIDs returns the character ids buddied with the given character.
func FindBuddyIDs(db *gorm.DB, characterID uint64) ([]uint64, error) {
	var rows []Buddy
	if err := db.Where("character_id = ?", characterID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.BuddyID)
	}
	return ids, nil
}

// AddBuddies records a confirmed buddy relation in both directions.
func AddBuddies(db *gorm.DB, characterID, buddyID uint64) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Buddy{CharacterID: characterID, BuddyID: buddyID}).Error; err != nil {
			return err
		}
		return tx.Create(&Buddy{CharacterID: buddyID, BuddyID: characterID}).Error
	})
}

// RemoveBuddies severs a buddy relation in both directions.
func RemoveBuddies(db *gorm.DB, characterID, buddyID uint64) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("character_id = ? AND buddy_id = ?", characterID, buddyID).
			Delete(&Buddy{}).Error; err != nil {
			return err
		}
		return tx.Where("character_id = ? AND buddy_id = ?", buddyID, characterID).
			Delete(&Buddy{}).Error
	})
}
