package message

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max frame size
	MaxContentChars = 2000 // max character count
)

// ErrInvalidContent means the message content failed validation. Errors from
// ValidateContent wrap it with a human-readable reason.
var ErrInvalidContent = errors.New("message: invalid content")

// ValidateContent checks that message content meets size and encoding
// requirements before it is persisted.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidContent, MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidContent, MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	}
	return nil
}
