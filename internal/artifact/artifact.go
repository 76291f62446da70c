// Package artifact persists generated extrato PDFs.
package artifact

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Store saves and retrieves artifacts by location. Open returns an error wrapping
// models.ErrNotFound when the artifact is gone from the backend.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (location string, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Remove(ctx context.Context, location string) error
	// Location returns where Save or Move would put name, without writing anything
	Location(name string) string
	// Move publishes the artifact at from under name, replacing any previous one
	Move(ctx context.Context, from, name string) (location string, err error)
}

const maxNamePart = 120

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces s to a filesystem-safe token, preserving case
func SafeName(s string) string {
	cleaned := unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(cleaned) > maxNamePart {
		cleaned = cleaned[:maxNamePart]
	}
	if cleaned == "" {
		return "extrato"
	}
	return cleaned
}

// FileName builds the stored name of a job's PDF
func FileName(jobID int64, period, customer string) string {
	return fmt.Sprintf("extrato_%d_%s_%s.pdf", jobID, SafeName(period), SafeName(customer))
}

// StagingName returns a unique name for one upload attempt
func StagingName() string {
	return ".staging-" + uuid.NewString() + ".pdf"
}
