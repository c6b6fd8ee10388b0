package addon

import (
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

const (
	manifestID      = "com.catalogrun.addon"
	manifestVersion = "1.0.0"
)

// Manifest is the addon descriptor served at /{userId}/manifest.json.
type Manifest struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Resources   []string          `json:"resources"`
	Types       []string          `json:"types"`
	Catalogs    []ManifestCatalog `json:"catalogs"`
	IDPrefixes  []string          `json:"idPrefixes"`
	Behavior    ManifestBehavior  `json:"behaviorHints"`
}

type ManifestCatalog struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Extra []ManifestExtra `json:"extra,omitempty"`
}

type ManifestExtra struct {
	Name    string   `json:"name"`
	Options []string `json:"options,omitempty"`
}

type ManifestBehavior struct {
	Configurable          bool `json:"configurable"`
	ConfigurationRequired bool `json:"configurationRequired"`
}

// BuildManifest renders a user's manifest. Catalogs appear in the order
// stored on the configuration; genres supplies the per-type vocabulary
// for the genre filter extra, keyed by catalog type.
func BuildManifest(cfg *userconfig.Config, genres map[string][]string) *Manifest {
	m := &Manifest{
		ID:          manifestID,
		Version:     manifestVersion,
		Name:        "CatalogRun",
		Description: "Configurable movie and series catalogs",
		Resources:   []string{"catalog", "meta"},
		Types:       []string{"movie", "series"},
		IDPrefixes:  []string{"tt", "tmdb:"},
		Behavior:    ManifestBehavior{Configurable: true},
	}
	if cfg.ConfigName != "" {
		m.Name = "CatalogRun · " + cfg.ConfigName
	}

	for _, c := range cfg.Catalogs {
		m.Catalogs = append(m.Catalogs, ManifestCatalog{
			ID:   c.ID,
			Type: c.Type,
			Name: c.Name,
			Extra: []ManifestExtra{
				{Name: "skip"},
				{Name: "genre", Options: genres[c.Type]},
			},
		})
	}
	return m
}
