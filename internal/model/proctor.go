package model

import "time"

// Proctor represents a staff account that authors exams and
// watches live sessions.
type Proctor struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProctorLoginRequest is the payload for proctor authentication.
type ProctorLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=4,max=128"`
}

// ProctorLoginResponse is returned after successful proctor login.
type ProctorLoginResponse struct {
	Token   string  `json:"token"`
	Proctor Proctor `json:"proctor"`
}
