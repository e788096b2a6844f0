package domain

import (
	"errors"
)

const (
	// MaxContentLength bounds a single chat message, in characters
	MaxContentLength = 2000

	// MaxUserNameLength bounds a display name, in characters
	MaxUserNameLength = 40

	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message has no content")
	ErrMessageTooLong  = errors.New("message too long")
	ErrInvalidUserName = errors.New("invalid user name")
	ErrReservedName    = errors.New("user name is reserved")
)
