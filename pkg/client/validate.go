package client

import (
	"fmt"
	"strings"

	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// validatePath verifies a path before it is sent to the server, so obvious
// mistakes fail fast instead of costing a round trip.
func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path does not start at the root", zookeeper.ErrInvalidPath)
	}

	if path == "/" {
		return nil
	}

	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: path should end in a node name, not a '/'", zookeeper.ErrInvalidPath)
	}

	names := strings.Split(path, "/")
	// Since we have a leading /, we expect the first name to be empty.
	for _, name := range names[1:] {
		if name == "" {
			return fmt.Errorf("%w: path contains an empty node name", zookeeper.ErrInvalidPath)
		}
		if name == "." || name == ".." {
			return fmt.Errorf("%w: relative path elements are not allowed", zookeeper.ErrInvalidPath)
		}
	}
	return nil
}
