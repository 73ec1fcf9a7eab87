// Package auth holds member accounts, groups and the capability predicates
// the rest of the application gates on.
package auth

import "time"

// User represents a member account.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	NickName     *string    `json:"nick_name,omitempty"`
	PasswordHash string     `json:"-"`
	DateOfBirth  *time.Time `json:"date_of_birth,omitempty"`
	IsActive     bool       `json:"is_active"`
	GroupIDs     []int64    `json:"group_ids"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DisplayName returns the nickname when one is set.
func (u *User) DisplayName() string {
	if u.NickName != nil && *u.NickName != "" {
		return *u.NickName
	}
	return u.FirstName + " " + u.LastName
}

// Age returns the user's age in full years at the given instant. Users
// without a recorded birth date count as age 0 and fail every age gate.
func (u *User) Age(now time.Time) int {
	if u.DateOfBirth == nil {
		return 0
	}
	dob := *u.DateOfBirth
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

// InGroup reports membership of the given group.
func (u *User) InGroup(groupID int64) bool {
	for _, id := range u.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// Group is a membership pool. Board groups additionally reference the club
// whose board they represent.
type Group struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	ClubID      *int64   `json:"club_id,omitempty"`
	IsBoard     bool     `json:"is_board"`
	Permissions []string `json:"permissions"`
}
