package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepoSet is the configured set of repositories targeted by sweep jobs
type RepoSet struct {
	Org    string   `yaml:"org"`
	Repos  []string `yaml:"repos"`
	AutoPR bool     `yaml:"auto_pr"`
}

// Targets returns fully qualified owner/name targets for the set
func (r RepoSet) Targets() []string {
	targets := make([]string, 0, len(r.Repos))
	for _, repo := range r.Repos {
		if r.Org != "" {
			targets = append(targets, r.Org+"/"+repo)
			continue
		}
		targets = append(targets, repo)
	}
	return targets
}

// LoadRepoSet reads a repo set from a YAML file. An empty path yields an
// empty set without error.
func LoadRepoSet(path string) (RepoSet, error) {
	if path == "" {
		return RepoSet{}, nil
	}

	data, err := os.ReadFile(path) // nolint gosec // path comes from operator config
	if err != nil {
		return RepoSet{}, fmt.Errorf("failed to read repo set file %s: %w", path, err)
	}

	var set RepoSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return RepoSet{}, fmt.Errorf("failed to parse repo set file %s: %w", path, err)
	}
	return set, nil
}
