package app

import "errors"

var (
	ErrMissingUserID       = errors.New("missing user id")
	ErrUnsupportedFileType = errors.New("only PDF files are supported")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrInvalidStatus       = errors.New("invalid status")
)
