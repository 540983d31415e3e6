// Package versioning reports the build version and checks that a CLI and a
// server speak compatible API versions.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// APIVersion is the path prefix of the HTTP API.
const APIVersion = "v1"

// version is set at build time:
//
//	go build -ldflags "-X github.com/ipanova/pulp-shelter/pkg/versioning.version=1.2.3"
var version = "0.1.0-dev"

// Current returns the build version. An unparsable build string reports 0.0.0.
func Current() *semver.Version {
	v, err := semver.NewVersion(version)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}

// Info is what a server reports about itself.
type Info struct {
	Version string `json:"version"`
	API     string `json:"api"`
}

// CurrentInfo returns the Info of this build.
func CurrentInfo() Info {
	return Info{Version: Current().String(), API: APIVersion}
}

// CheckCompatible reports an error when a client at version client should
// not talk to a server at version server. Versions are compatible when they
// share a major version; before 1.0 the minor version must match as well.
// Prerelease builds are compared on their release numbers.
func CheckCompatible(client, server string) error {
	c, err := semver.NewVersion(client)
	if err != nil {
		return fmt.Errorf("invalid client version %q: %w", client, err)
	}
	s, err := semver.NewVersion(server)
	if err != nil {
		return fmt.Errorf("invalid server version %q: %w", server, err)
	}

	expr := fmt.Sprintf("^%d.%d.0-0", c.Major(), c.Minor())
	if c.Major() == 0 {
		expr = fmt.Sprintf("~%d.%d.0-0", c.Major(), c.Minor())
	}
	constraint, err := semver.NewConstraint(expr)
	if err != nil {
		return err
	}
	if !constraint.Check(s) {
		return fmt.Errorf("server version %s is not compatible with client %s", s, c)
	}
	return nil
}
