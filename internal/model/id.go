package model

import (
	"errors"
	"path/filepath"
	"strings"
)

const maxIDLen = 255

var (
	errEmptyID     = errors.New("empty service id")
	errLongID      = errors.New("service id too long")
	errIDSeparator = errors.New("service id must not contain path separators")
	errIDNotLocal  = errors.New("service id must be a plain file name")
)

// ValidateID rejects identifiers which can't be used as a file name inside
// the binaries and logs directories.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errEmptyID
	case len(id) > maxIDLen:
		return errLongID
	case strings.ContainsAny(id, `/\`+"\x00"):
		return errIDSeparator
	case id == "." || id == ".." || !filepath.IsLocal(id):
		return errIDNotLocal
	}
	return nil
}

// CheckID is ValidateID wrapped into an Error of KindInvalid.
func CheckID(op, id string) error {
	if err := ValidateID(id); err != nil {
		return NewError(KindInvalid, op, id, err)
	}
	return nil
}
