package models

import (
	"errors"
	"strings"
)

// Repository is a named, URL-addressed, password-protected restic repository.
type Repository struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Password string `json:"password"`
}

// NewRepository creates a new Repository with the given details.
func NewRepository(name, url, password string) *Repository {
	return &Repository{
		Name:     name,
		URL:      url,
		Password: password,
	}
}

// Validate checks that the repository can be used to run restic.
func (r *Repository) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("repository name is required")
	}
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("repository url is required")
	}
	return nil
}

// Redacted returns a copy of the repository that is safe to log or serve.
func (r Repository) Redacted() Repository {
	if r.Password != "" {
		r.Password = "********"
	}
	return r
}
