package domain

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// =============================================================================
// Component Errors
// =============================================================================

var (
	ErrComponentNameRequired   = errors.New("component name is required")
	ErrComponentImageRequired  = errors.New("component image name is required")
	ErrComponentContextMissing = errors.New("component build context is required")
	ErrComponentImageTagged    = errors.New("component image name must not carry a tag")
	ErrDuplicateComponent      = errors.New("component declared twice")
)

// =============================================================================
// Component
// =============================================================================

// Component is a deployable part of the stack declared in configuration.
type Component struct {
	Name       string            `json:"name"`
	Image      string            `json:"image"`      // canonical short name, e.g. "detector-api"
	Context    string            `json:"context"`    // local build context directory
	Dockerfile string            `json:"dockerfile"` // relative to Context, "" = Dockerfile
	BuildArgs  map[string]string `json:"build_args,omitempty"`
}

// Validate checks the component declaration.
func (c Component) Validate() error {
	if c.Name == "" {
		return ErrComponentNameRequired
	}
	if c.Image == "" {
		return ErrComponentImageRequired
	}
	if c.Context == "" {
		return ErrComponentContextMissing
	}
	// A ':' after the last '/' is a tag; a ':' before it is a registry port.
	if strings.Contains(path.Base(c.Image), ":") {
		return ErrComponentImageTagged
	}
	return nil
}

// ValidateComponents validates each component and rejects duplicate names.
func ValidateComponents(components []Component) error {
	seen := make(map[string]bool, len(components))
	for _, c := range components {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("component %q: %w", c.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("component %q: %w", c.Name, ErrDuplicateComponent)
		}
		seen[c.Name] = true
	}
	return nil
}

// =============================================================================
// Deployment Unit
// =============================================================================

// DeploymentUnit is one built, versioned image artifact ready for transport.
// Units are created once per run and never mutated afterwards.
type DeploymentUnit struct {
	ComponentName  string `json:"component_name"`
	CanonicalImage string `json:"canonical_image"`
	VersionTag     string `json:"version_tag"`
	ArchivePath    string `json:"archive_path"`
}

// NewDeploymentUnit creates the unit for a component at a version, with the
// archive located in the version's cache directory.
func NewDeploymentUnit(c Component, version, cacheDir string) DeploymentUnit {
	return DeploymentUnit{
		ComponentName:  c.Name,
		CanonicalImage: c.Image,
		VersionTag:     version,
		ArchivePath:    ArchivePath(cacheDir, version, c.Name),
	}
}

// CanonicalRef returns "<image>:<version>".
func (u DeploymentUnit) CanonicalRef() string {
	return u.CanonicalImage + ":" + u.VersionTag
}

// LatestRef returns "<image>:latest".
func (u DeploymentUnit) LatestRef() string {
	return u.CanonicalImage + ":" + LatestTag
}

// TransportRef returns the registry-qualified reference the image travels
// under. Without a registry it is the canonical reference.
func (u DeploymentUnit) TransportRef(registry string) string {
	return u.TransportImage(registry) + ":" + u.VersionTag
}

// TransportImage returns the repository the image travels under. Without a
// registry it is the canonical image name.
func (u DeploymentUnit) TransportImage(registry string) string {
	registry = strings.TrimSuffix(registry, "/")
	if registry == "" {
		return u.CanonicalImage
	}
	return registry + "/" + u.CanonicalImage
}

// ArchiveName returns the file name of the unit's archive.
func (u DeploymentUnit) ArchiveName() string {
	return filepath.Base(u.ArchivePath)
}

// RemoteArchivePath returns where the archive lands in the staging directory.
func (u DeploymentUnit) RemoteArchivePath(stagingDir string) string {
	return path.Join(stagingDir, u.ArchiveName())
}

// =============================================================================
// Cache Layout
// =============================================================================

// VersionCacheDir returns the directory holding one version's archives.
func VersionCacheDir(cacheDir, version string) string {
	return filepath.Join(cacheDir, version)
}

// ArchivePath returns the archive location for a component at a version.
func ArchivePath(cacheDir, version, component string) string {
	return filepath.Join(VersionCacheDir(cacheDir, version), component+".tar")
}
