package engine

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"crewline/internal/engine/auth"
	"crewline/internal/repo"
)

const (
	MinFullNameLen = 2
	MaxFullNameLen = 100
	MinTaskTextLen = 5
	// RecentTasksLimit bounds the "all tasks" overview.
	RecentTasksLimit = 20
)

// ValidationError is bad user input; the dialogue re-prompts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError means a referenced user or task does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// IllegalTransitionError carries the status the task actually has.
type IllegalTransitionError struct {
	Kind    string
	ID      int64
	Current string
	Target  string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s %d is %s; cannot move to %s", e.Kind, e.ID, e.Current, e.Target)
}

// PersistenceError wraps a store failure. No side effects were applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// persistence passes typed errors through and wraps everything else.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve  ValidationError
		nf  NotFoundError
		it  IllegalTransitionError
		pe  PersistenceError
		fe  auth.ForbiddenError
		nre auth.NotRegisteredError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &nf), errors.As(err, &it),
		errors.As(err, &pe), errors.As(err, &fe), errors.As(err, &nre):
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// ValidateFullName checks a display name. requireSurname demands at least two words.
func ValidateFullName(name string, requireSurname bool) error {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	switch {
	case n < MinFullNameLen:
		return ValidationError{Field: "full_name", Reason: fmt.Sprintf("must be at least %d characters", MinFullNameLen)}
	case n > MaxFullNameLen:
		return ValidationError{Field: "full_name", Reason: fmt.Sprintf("must be at most %d characters", MaxFullNameLen)}
	case requireSurname && len(strings.Fields(name)) < 2:
		return ValidationError{Field: "full_name", Reason: "first name and surname required"}
	}
	return nil
}

// ValidateTaskText applies to both task directions.
func ValidateTaskText(text string) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinTaskTextLen {
		return ValidationError{Field: "text", Reason: fmt.Sprintf("must be at least %d characters", MinTaskTextLen)}
	}
	return nil
}

func ValidateComment(comment string) error {
	if strings.TrimSpace(comment) == "" {
		return ValidationError{Field: "comment", Reason: "must not be empty"}
	}
	return nil
}
