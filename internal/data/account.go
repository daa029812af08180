package data

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountBanned      = errors.New("this account has been suspended")
)

// Account contains the login information specific to each registered user.
type Account struct {
	ID               uint64 `gorm:"primaryKey"`
	Username         string `gorm:"unique; not null"`
	Password         string `gorm:"not null"`
	Email            string
	RegistrationDate time.Time
	GM               bool `gorm:"default:false"`
	Banned           bool `gorm:"default:false"`
	Active           bool `gorm:"default:true"`

	DeletedAt gorm.DeletedAt
}

func FindAccountByID(db *gorm.DB, id uint64) (*Account, error) {
	var account Account
	err := db.First(&account, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// FindAccountByUsername searches for an account with the specified username,
// returning the *Account instance if found or nil if there is no match.
func FindAccountByUsername(db *gorm.DB, username string) (*Account, error) {
	var account Account
	err := db.Where("username = ?", username).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// FindUnscopedAccount searches for a potentially soft-deleted account with the
// specified username, returning the *Account instance if found or nil if
// there is no match.
func FindUnscopedAccount(db *gorm.DB, username string) (*Account, error) {
	var account Account
	err := db.Unscoped().Where("username = ?", username).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// CreateAccount persists a new account with a hashed copy of the password.
func CreateAccount(db *gorm.DB, username, password, email string) (*Account, error) {
	account := &Account{
		Username:         username,
		Password:         HashPassword(password),
		Email:            email,
		RegistrationDate: time.Now(),
		Active:           true,
	}

	if err := db.Create(account).Error; err != nil {
		return nil, err
	}

	return account, nil
}

// VerifyAccount checks the accounts table for the specified credentials
// combination and validates that the account is accessible.
func VerifyAccount(db *gorm.DB, username, password string) (*Account, error) {
	account, err := FindAccountByUsername(db, username)
	if err != nil {
		return nil, ErrUnknown
	}

	if account == nil || account.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	} else if account.Banned {
		return nil, ErrAccountBanned
	}

	return account, nil
}

// DeleteAccount soft-deletes an Account record from the database.
func DeleteAccount(db *gorm.DB, account *Account) error {
	return db.Delete(account).Error
}

// PermanentlyDeleteAccount permanently deletes an Account record from the database.
func PermanentlyDeleteAccount(db *gorm.DB, account *Account) error {
	return db.Unscoped().Delete(account).Error
}

// SetAccountBanned flips the ban flag on an account.
func SetAccountBanned(db *gorm.DB, account *Account, banned bool) error {
	account.Banned = banned
	return db.Model(account).Update("banned", banned).Error
}

// HashPassword returns a version of password with the server's chosen
// hashing strategy.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write(stripPadding([]byte(password)))
	return hex.EncodeToString(hash.Sum(nil)[:])
}

func stripPadding(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return b[:i+1]
		}
	}
	return b
}
