package config

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
)

type personaSeedFile struct {
	Personas []chat.Persona `yaml:"personas"`
}

// LoadPersonaSeed parses a YAML persona seed file.
func LoadPersonaSeed(path string) ([]chat.Persona, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read persona seed")
	}
	var f personaSeedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse persona seed")
	}
	for i := range f.Personas {
		if f.Personas[i].ID == "" {
			f.Personas[i].ID = uuid.NewString()
		}
		if f.Personas[i].Name == "" {
			return nil, errors.Errorf("persona %d has no name", i)
		}
	}
	return f.Personas, nil
}

// SeedPersonas inserts seed personas that are not in the store yet. Existing
// personas win: edits made through the API are not clobbered on restart.
func SeedPersonas(ctx context.Context, store chatstore.ChatStore, personas []chat.Persona) error {
	existing, err := store.ListPersonas(ctx)
	if err != nil {
		return err
	}
	byName := map[string]bool{}
	for _, p := range existing {
		byName[p.Name] = true
	}
	for _, p := range personas {
		if byName[p.Name] {
			continue
		}
		if err := store.UpsertPersona(ctx, p); err != nil {
			return err
		}
		log.Info().Str("component", "config").Str("persona", p.Name).Msg("seeded persona")
	}
	return nil
}
