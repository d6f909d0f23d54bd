package model

import (
	"errors"
)

var (
	ErrInvalidImage  = errors.New("invalid image identifier")
	ErrInvalidConfig = errors.New("invalid configuration")
)
