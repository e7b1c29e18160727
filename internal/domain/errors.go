package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrAttemptNotFound is returned when an attempt id is unknown to the store.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrUserNotConnected is returned when a supervisor addresses an offline participant.
	ErrUserNotConnected = errors.New("user not connected")
	// ErrNotAuthenticated is returned when a message arrives before auth.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrRoleForbidden is returned when a message requires a different role.
	ErrRoleForbidden = errors.New("role not permitted for this message")
)
