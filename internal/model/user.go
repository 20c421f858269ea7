package model

import (
	"strings"

	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Email    string `json:"email" gorm:"uniqueIndex;not null"`
	Username string `json:"username" gorm:"uniqueIndex;not null"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	IsVerified bool `json:"is_verified" gorm:"default:false"`

	Subscription  *Subscription        `json:"-"`
	CreditAccount *ImportCreditAccount `json:"-"`
}

func (u *User) GetFullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
