package util

import "errors"

var (
	ErrEmptyDocument = errors.New("document has no pages")
	ErrRubricMissing = errors.New("rubric text is empty")
)
