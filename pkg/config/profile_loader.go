package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/callmonitor/evidence/pkg/contracts"
)

// VoiceProfile is a per-organization voice configuration file. Operators
// drop profile_<org>.yaml files into the profiles directory; the server
// seeds the voice config store from them at startup.
type VoiceProfile struct {
	OrganizationID string                `yaml:"organization_id" json:"organization_id"`
	Name           string                `yaml:"name,omitempty" json:"name,omitempty"`
	Modulations    contracts.Modulations `yaml:"modulations" json:"modulations"`
}

// LoadProfile loads one profile YAML by organization id.
// It searches the profiles directory for profile_<org>.yaml.
func LoadProfile(profilesDir, organizationID string) (*VoiceProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(organizationID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", organizationID, err)
	}

	var profile VoiceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", organizationID, err)
	}

	if profile.OrganizationID == "" {
		profile.OrganizationID = organizationID
	}
	if err := profile.Modulations.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", organizationID, err)
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml file from the profiles
// directory, keyed by organization id.
func LoadAllProfiles(profilesDir string) (map[string]*VoiceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*VoiceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile VoiceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.OrganizationID == "" {
			// Extract the id from the filename: profile_org-1.yaml -> org-1
			base := filepath.Base(path)
			profile.OrganizationID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Modulations.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.OrganizationID] = &profile
	}
	return profiles, nil
}
